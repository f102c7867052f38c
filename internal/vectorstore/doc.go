// Package vectorstore adapts vector indexes to the chunk retrieval model.
//
// An Index stores one point per chunk, keyed by the chunk id, with a typed
// ChunkPayload. Two backends are provided:
//
//   - chromem (default): embedded, in-memory or persisted to disk
//   - qdrant: external server over gRPC
//
// # Isolation
//
// Every Search carries a Filter whose OwnerID is applied inside the index
// query. An empty OwnerID fails closed with ErrMissingOwner before the
// backend is touched.
//
// # Dimensions
//
// EnsureCollection records the collection dimension. Upsert and Search check
// every vector against it and return *errdefs.DimensionMismatchError on
// drift. Vectors are never padded or truncated.
//
// # Errors
//
// Backend outages are wrapped as *errdefs.VectorIndexUnavailableError so
// callers can retry ingestion or degrade retrieval.
package vectorstore
