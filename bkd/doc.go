// Package bkd implements a disk-resident block k-d tree over fixed-width
// multi-dimensional points.
//
// A tree is built once, in bulk, by Writer: points are recursively
// partitioned at a per-level split dimension until a leaf holds at most the
// configured point count, leaves are serialized as self-contained blocks,
// and the internal nodes are packed into an arena of fixed-size split
// records addressed by depth-first position. Reader navigates that arena
// lazily and answers range and spatial queries through the Intersect
// protocol, pruning whole subtrees whose bounding boxes fall outside the
// query region.
//
// Readers are immutable after construction and safe for unlimited concurrent
// queries; every Intersect call clones the underlying input, so traversals
// never share cursor state.
package bkd
