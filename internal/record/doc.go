// Package record provides the schema-agnostic data types shared by every
// other offsync package.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import record; record imports nothing internal.
//
// Key design constraints:
//   - Records are untyped maps; schemas live at the backend edge (package schema)
//   - Every record carries an identifier field (DefaultIDField unless configured)
//   - Identifiers compare by their canonical string form, so 2, 2.0 and "2" match
//   - Snapshots never contain two records with the same identifier
package record
