// Package points writes and reads the per-segment point index: one bkd tree
// per field in a data file, plus a small index file mapping field numbers to
// the file pointer where each field's tree metadata starts. Both files carry
// a versioned header and a checksum footer.
package points
