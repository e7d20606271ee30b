// Package pubsub implements the Update Publication Router.
//
// The Router:
//   - Keeps one registry per topic family (e.g. "event.updated")
//   - Evaluates each subscriber's Filter against every publication
//   - Enqueues matches onto an isolated, bounded queue per subscriber
//   - Never blocks a publisher on a slow subscriber
//
// Filters are a closed set: Scoped (identity equality on the publication
// key), Broadcast (always true) and Lookup (a predicate whose data is fetched
// through one loader scope per publication, so N lookup subscribers cost one
// batched fetch instead of N queries).
//
// Publications on one topic are serialized: every matching subscriber sees
// them in publish order. Nothing is ordered across topics.
//
// Queue overflow defaults to forced disconnect: the subscriber is removed
// and its queue is closed with ErrSlowSubscriber after the buffered items.
// OverflowDropOldest keeps the subscriber and discards its oldest item.
package pubsub
