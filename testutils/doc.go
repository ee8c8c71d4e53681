// Package testutils provides test doubles and helpers shared across the
// roster packages.
//
// Key components:
//   - MemStore: in-memory lists, users, addresses, members and bans
//   - MemPendingStore: in-memory pending requests with atomic consume
//   - RecordingNotifier: captures notices instead of sending them
//   - Clock: a manually advanced time source
//   - SetupTestDatabase: Postgres bootstrap for integration tests
//
// Example usage:
//
//	import "github.com/migadu/roster/testutils"
//
//	func TestMyFunction(t *testing.T) {
//		store := testutils.NewMemStore()
//		list := store.AddList("ant@example.com", policy.Confirm)
//		// Use store in your tests...
//	}
package testutils
