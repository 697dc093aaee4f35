// Package ledger implements the append-only, hash-chained erasure ledger.
//
// The chain begins with a genesis block whose payload is a fixed sentinel and
// whose PreviousHash is GenesisPrevHash (64 hex zeros). Every later block
// records the BlockHash of its predecessor, and every BlockHash is the SHA-256
// of the block's own fields, so any edit to a stored block is detectable by
// Validate.
//
// Persistence is pluggable through Store:
//   - MemoryStore: in-process, for tests and demos.
//   - FileStore: the canonical JSON-array ledger file.
//   - PostgresStore: durable storage in PostgreSQL.
package ledger
