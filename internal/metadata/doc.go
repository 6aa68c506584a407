// Opens the sqlite database holding engine metadata.
//
// The database stores layer reference counts, image configs and tag
// bindings. It is shared by the layer store and the image store, each of
// which owns its own tables. Access is funnelled through a single
// connection, so statements and transactions never contend for the
// sqlite write lock.
package metadata
