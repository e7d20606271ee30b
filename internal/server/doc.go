// Package server exposes the subscription endpoint and the HTTP API.
//
// The subscription endpoint speaks the frames of package protocol over a
// websocket:
//   - the first client frame must be connection_init carrying the token
//   - subscribe frames map onto router subscriptions, one forwarder each
//   - malformed or disallowed frames get an error frame; the connection stays open
//   - a keep-alive frame is sent periodically so clients can detect staleness
//
// HTTP API requests each get their own loader scope, attached to the request
// context for the duration of the handler.
package server
