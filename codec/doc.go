// Package codec frames index files with a versioned header and a checksum
// footer, and provides the variable-length integer encoding shared by the
// point index formats.
package codec
