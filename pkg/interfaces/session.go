package interfaces

// SessionDirectory is the read and broadcast side of the session registry,
// as seen by the pipeline and the delivery service.
type SessionDirectory interface {
	// Lookup returns the connection currently bound to identity.
	Lookup(identity string) (Connection, bool)

	// ListOnline returns every identity with a live session except excluding.
	ListOnline(excluding string) []string

	// Broadcast sends event to the live sessions of identities and returns
	// how many connections accepted it. Offline identities are skipped.
	Broadcast(identities []string, event interface{}) int
}
