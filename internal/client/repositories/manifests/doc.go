// Package manifests persists the encrypted local manifests of a workspace.
//
// # Data Model
//
// One row per vlob: the encrypted manifest blob, the version of its base
// remote manifest, the need_sync flag and the latest version the server is
// known to hold (remote_version, fed by the realm checkpoint poll). A row
// with remote_version > base_version needs an inbound sync.
//
// The repository never sees plaintext: encryption happens in the storage
// layer above it.
//
// # Concurrency
//
// Implementations are safe for concurrent use when backed by a *sql.DB.
// When using *sql.Tx (DBTX), follow normal transaction scoping rules.
//
// Typical Usage
//
//	repo := manifests.NewSQLiteRepository(db)
//	_ = repo.Upsert(ctx, manifests.Record{ID: id, BaseVersion: 3, NeedSync: true, Blob: blob})
//	rec, _ := repo.Get(ctx, id)
//	dirty, _ := repo.ListNeedSync(ctx)
package manifests
