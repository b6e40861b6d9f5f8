// Package queue implements the durable offline mutation queue.
//
// Mutations attempted while offline are appended here and replayed against
// the remote backend once connectivity returns.
//
// ORDERING:
//
// Every mutation gets a sequence number from a logical Clock at enqueue
// time. Drain replays in ascending sequence order across the whole queue
// (global arrival order, not per-resource order). Three updates to the
// same record replay as three remote calls; nothing is merged or
// compacted.
//
// DURABILITY:
//
// Mutations are stored under one key per resource (queue/<resource>) in a
// kv.Store. On Open the per-resource lists are merged by sequence number
// and the clock resumes after the highest persisted sequence. If the store
// cannot be written the mutation stays queued in memory for the session
// and Enqueue reports a *kv.PersistenceError warning.
//
// DRAIN:
//
//  1. Peek the oldest mutation
//  2. Replay it against the backend
//  3. On success, remove it and persist the shortened list
//  4. On failure, stop; the failed mutation and everything after it stay
//     queued in their original order for the next drain
//
// A mutation is never partially applied: it either fully succeeds or is
// retried as a whole. Only one drain may run at a time; a concurrent call
// returns immediately with Skipped set.
package queue
