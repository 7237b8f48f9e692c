package deltasync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name          string
		serverVersion int64
		clientVersion int64
		want          Decision
	}{
		{name: "client current", serverVersion: 3, clientVersion: 3, want: DecisionApply},
		{name: "client ahead", serverVersion: 3, clientVersion: 4, want: DecisionApply},
		{name: "client stale by one", serverVersion: 3, clientVersion: 2, want: DecisionConflict},
		{name: "client far behind", serverVersion: 10, clientVersion: 1, want: DecisionConflict},
		{name: "client declared nothing", serverVersion: 1, clientVersion: 0, want: DecisionConflict},
		{name: "fresh create", serverVersion: 0, clientVersion: 0, want: DecisionApply},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.serverVersion, tt.clientVersion))
		})
	}
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "apply", DecisionApply.String())
	assert.Equal(t, "conflict", DecisionConflict.String())
}
