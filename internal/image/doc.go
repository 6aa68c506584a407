// Package image holds the image model and the manifest store.
//
// An image is an ordered list of layer digests, base first, plus the runtime
// config a container starts with (command, working directory, environment,
// shell and stop signal). Images are serialized as OCI image configs and
// identified by the digest of that serialization, so identical images share
// an ID.
//
// The manifest store binds name:tag pairs to image IDs. A binding is a
// last-writer-wins pointer; rebinding a tag never modifies the image it used
// to point at. Each binding holds one reference on every layer of its image,
// which is what keeps shared base layers alive in the layer store.
//
// Example usage:
//
//	store := image.NewStore(db, layers)
//	id, err := store.Register(ctx, "app", "latest", img)
//	img, err := store.Resolve(ctx, "app", "latest")
package image
