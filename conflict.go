package deltasync

// Decision is the outcome of the optimistic concurrency check.
type Decision int

const (
	// DecisionApply means the client has proven freshness and the write goes
	// through.
	DecisionApply Decision = iota

	// DecisionConflict means the client is stale; the write is rejected and
	// reported, never silently overwritten.
	DecisionConflict
)

func (d Decision) String() string {
	if d == DecisionConflict {
		return "conflict"
	}
	return "apply"
}

// Decide classifies a write attempt against the server's current version.
// Apply when the client has seen at least the current state (or is creating
// fresh); Conflict when the client is stale. This is last-writer-wins only
// when the client has proven freshness.
func Decide(serverVersion, clientVersion int64) Decision {
	if clientVersion >= serverVersion {
		return DecisionApply
	}
	return DecisionConflict
}
