// Package model defines shared data types used across eventfeed.
//
// Conventions:
//   - IDs: uuid.UUID, rendered as canonical strings on the wire and as batch keys
//   - Timestamps: int64 microseconds since Unix epoch
//   - Payloads published to subscribers are JSON-encoded EventUpdate values
package model
