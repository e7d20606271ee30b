// Package api is a client for the eventfeed HTTP API.
//
// Endpoints:
//   - GET  /api/events?ids=a,b          resolve events for the caller
//   - POST /api/events/{id}             apply an event patch (organizer only)
//   - POST /api/events/{id}/attend      set the caller's attendance
//
// Reads are retried with jittered exponential backoff on 5xx and 429.
// Mutations are sent once.
package api
