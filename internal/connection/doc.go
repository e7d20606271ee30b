// Package connection implements the client-side Connection Manager.
//
// The Connection Manager:
//   - Owns one logical connection to the subscription server
//   - Authenticates in the first frame (connection_init), never in the URL
//   - Reconnects with exponential backoff plus jitter, up to a maximum attempt count
//   - Forces a reconnect when no frame arrives within the staleness threshold
//   - Reissues every active subscription after each reconnect
//   - Reports status transitions to listeners in order
package connection
