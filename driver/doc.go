// Package driver defines the narrow capability interface fireodm requires
// from a document store, plus the shared value types that cross it.
//
// A driver exposes documents addressed by slash-separated paths
// (collection/key pairs, e.g. "users/u1" or "users/u1/posts/p1"), a query
// operation over a single collection, an atomic read/write transaction, and
// a write-only batch. Everything else — schema, validation, relations,
// hooks — lives above the driver in the odm package.
//
// # Implementations
//
//   - driver/memory — in-process map store for tests and development
//   - driver/bolt   — embedded persistent store (bbolt + msgpack)
//   - driver/mongo  — MongoDB deployments
//   - driver/dynamo — DynamoDB, single documents table
//
// # Errors
//
// [ErrNotFound] is the one condition callers are expected to branch on;
// drivers map their native missing-document signal onto it. Everything else
// is surfaced as-is.
//
// # Field transforms
//
// Write payloads may carry [Transform] sentinel values ([ServerTimestamp],
// [Increment], [DeleteField], [ArrayUnion], [ArrayRemove]). Drivers resolve
// them at write time, server-side where the store supports it.
package driver
