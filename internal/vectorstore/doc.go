// Package vectorstore stores and searches embedded chunks per tenant.
//
// Every operation takes an explicit tenant.Context. The collection addressed
// is always tc.CollectionName; there is no API that accepts a raw collection
// name, so one tenant cannot reach another tenant's data.
//
// Two providers implement Store:
//   - ChromemStore: embedded chromem-go database, persistent or in-memory (default)
//   - QdrantStore: remote Qdrant over gRPC, authenticated per tenant
//
// Build the configured provider with New:
//
//	store, err := vectorstore.New(cfg.VectorStore, retry.FromConfig(cfg.Retry), logger)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	n, err := store.Upsert(ctx, tc, chunks)
//	results, err := store.Search(ctx, tc, queryEmbedding, 5)
//
// Search orders by score descending. Equal scores keep insertion order via a
// monotonically increasing sequence number stored with each chunk.
package vectorstore
