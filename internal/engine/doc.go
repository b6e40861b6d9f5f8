// Package engine is the process-wide offline sync state: one durable
// key-value store, one mutation queue, one connectivity monitor and one
// remote backend shared by every resource store in the process.
//
// ARCHITECTURE:
//
// Lazy Initialisation:
// New only wires collaborators. The queue is loaded from the key-value
// store on the first Resource or Drain call, so constructing an Engine
// never touches disk.
//
// Reconnect Flow:
//  1. A link signal flips the monitor from offline to online
//  2. The monitor enters its syncing region and calls the engine hook
//  3. Stores whose feed subscription was lost are re-attached
//  4. The queue is drained in arrival order against the backend
//  5. Confirmed inserts come back through the change feed and replace the
//     optimistic local-* records
//
// Local Identifiers:
// A record inserted offline is shown under a local-* identifier. When the
// queued insert is replayed the backend assigns the real identifier; later
// queued updates and deletes that name the local identifier are rewritten
// to it before they are sent.
//
// Conflicts:
// Replay is last-write-wins. No version or timestamp is compared.
package engine
