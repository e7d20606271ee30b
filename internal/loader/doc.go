// Package loader implements the Batched Fetch Coordinator.
//
// A Scope lives for exactly one logical request. Within it:
//   - Load calls are grouped per kind into a batch window
//   - Each window is flushed with exactly one BatchFunc call
//   - Results are demultiplexed back to waiters by position
//   - Every key is fetched at most once per scope (cache + pending dedup)
//
// Flushing is explicit (Flush after a resolution pass) or driven by a short
// debounce timer when Config.Wait is set.
package loader
