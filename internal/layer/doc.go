// Stores immutable filesystem layers by content digest.
//
// A layer is an uncompressed tar stream in the OCI layer format: regular
// files, directories and symlinks, with deletions recorded as whiteout
// entries (".wh.<name>") and opaque directories as ".wh..wh..opq". Layers
// are addressed by the sha256 digest of their bytes, so storing the same
// content twice yields the same digest and a single blob on disk.
//
// Blobs live under <root>/blobs/sha256/<hex>. Sizes and reference counts
// are kept in the metadata database. Image bindings hold references; a
// layer is deleted from disk when its last reference is dropped and no
// lease pins it. Layers that were never referenced (for example, the
// output of a failed build) stay on disk until [Store.Prune] collects them.
//
// Mutations of a single digest are serialized, so concurrent puts of
// identical content and concurrent reference updates never corrupt the
// count. Every read is verified against the digest; a mismatch surfaces as
// [ErrCorrupted] and is never returned as content.
//
// Example usage:
//
//	store, err := layer.New(root, db)
//	if err != nil {
//	    return err
//	}
//
//	d, err := store.Put(ctx, bytes.NewReader(tarball))
//	if err != nil {
//	    return err
//	}
//
//	data, err := store.Get(ctx, d)
package layer
