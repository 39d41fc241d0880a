// Package casorm is the core of an object-relational mapper: a unit of work
// with an identity map, change tracking and ordered flushes, fronted by a
// second-level cache whose regions never serve a row a transaction is
// changing.
//
// Components:
//   - metadata: classes, fields and associations read from struct tags.
//   - collection: lazy to-many collections; Matching filters without loading.
//   - persister: storage contracts plus cached persisters that queue
//     evictions until the transaction ends.
//   - region: cache regions with per-key generations and soft locks.
//   - persister/memstore, persister/sqlstore: storage backends.
//
// Typical use:
//
//	u, _ := casorm.New(casorm.Options{Registry: reg, Storage: store, Cache: cache})
//	c, ok, err := casorm.Find[*Customer](ctx, u, 7)
//	c.Name = "renamed"
//	_ = u.Flush(ctx) // one transaction; cached rows evicted after commit
//
// Flush order is inserts (referenced entities first), updates, collection
// rows, then deletes (referrers first). A failed flush rolls back, evicts
// every key it queued and leaves tracked state as before the call.
package casorm
