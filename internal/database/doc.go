// Package database provides the PostgreSQL connection pool and schema used by
// the entity stores.
//
// Tables:
//   - users: people who organize or attend events
//   - events: scheduled gatherings, one organizer each
//   - attendance: (event, user) pairs with an RSVP status
package database
