// Package unionfs provides a copy-on-write filesystem view over a stack of
// image layers.
//
// A view is an ordered list of lookups with a single mutable top. Reads check
// volume overlays first, then the writable upper directory, then each
// read-only layer from most recent to oldest. Writes always land in the upper
// directory; a file that only exists in a lower layer is copied up before it
// is modified, and deleting a lower path records a whiteout marker.
//
// The upper directory uses the on-disk form of an OCI layer: deletions are
// empty ".wh.<name>" files and a ".wh..wh..opq" file marks a directory whose
// lower content is hidden. It can therefore be turned into a layer tar stream
// with [Upper.Entries] and applied like any other layer.
//
//	upper, _ := unionfs.NewUpper(dir)
//	view := unionfs.New(upper, indexes, volumes)
//	view.Write("/app.txt", []byte("hello"), 0)
//	data, _ := view.Read("/app.txt")
package unionfs
