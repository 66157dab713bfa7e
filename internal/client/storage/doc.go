// Package storage is the persistence collaborator of the workspace store.
//
// A WorkspaceStorage owns the sqlite database of one workspace and exposes
// the operations the store needs: encrypted manifests with their sync
// flags, local chunks, the block cache and the realm checkpoint. Multi-row
// updates run in a single transaction through dbx.WithTx.
//
// Data is opaque here: manifests and chunks arrive already encrypted with
// the device local key.
//
// Once Close has been called every operation fails with common.ErrStopped.
package storage
