// Package snapshot moves layers between the layer store and plain
// directories.
//
// Processes cannot run inside an in-memory view, so before a RUN step or a
// container starts, its layer stack is materialized into a directory. When
// the process is done, the directory is compared with an untouched copy and
// the difference becomes a new layer (for builds) or is folded into the
// container's writable layer.
package snapshot
