// Package geosched implements the GeoTree Scheduler: a per-group dual-tree structure
// (a mutable slow tree plus a double-buffered, read-optimized fast tree) that places new
// replicas and routes access requests across file systems arranged by geotag, the way
// the teacher repo's btree package separates a mutable tree from the handles its callers
// read through, generalized here to a geography-aware selection tree instead of an
// ordered key index.
package geosched
