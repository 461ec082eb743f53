// Package store abstracts file access for the point index: append-only
// checksumming outputs, seekable cloneable inputs, and directory
// implementations backed by the OS file system or mmap.
package store
