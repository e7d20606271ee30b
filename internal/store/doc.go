// Package store implements the persistence collaborator: batch fetch
// functions for every entity kind plus the mutations the service layer
// publishes after.
//
// Two implementations share one contract:
//   - Postgres: pgx queries, one round trip per batch window
//   - Memory: map-backed, for development mode and tests
//
// Every fetcher returns results aligned with its keys by position. A key with
// no row yields loader.Missing; a malformed key fails alone.
package store
