package dsr

import (
	"testing"

	"github.com/ethyca/fides-engine/src/internal/require"
)

func TestCheckpointSequenceOrder(t *testing.T) {
	require.Equal(t, []Checkpoint{
		CheckpointPreWebhooks,
		CheckpointAccess,
		CheckpointErasure,
		CheckpointConsent,
		CheckpointEmailPostSend,
		CheckpointPostWebhooks,
	}, CheckpointSequence)
}

func TestCanRunCheckpoint(t *testing.T) {
	// No resume point runs everything.
	for _, cp := range CheckpointSequence {
		require.True(t, CanRunCheckpoint("", cp))
	}
	// Resuming from erasure skips everything earlier and runs the rest.
	require.False(t, CanRunCheckpoint(CheckpointErasure, CheckpointPreWebhooks))
	require.False(t, CanRunCheckpoint(CheckpointErasure, CheckpointAccess))
	require.True(t, CanRunCheckpoint(CheckpointErasure, CheckpointErasure))
	require.True(t, CanRunCheckpoint(CheckpointErasure, CheckpointConsent))
	require.True(t, CanRunCheckpoint(CheckpointErasure, CheckpointPostWebhooks))
	// Unknown checkpoints never run.
	require.False(t, CanRunCheckpoint("bogus", CheckpointAccess))
	require.False(t, CanRunCheckpoint(CheckpointAccess, "bogus"))
}

func TestCheckpointValid(t *testing.T) {
	for _, cp := range CheckpointSequence {
		require.True(t, cp.Valid())
	}
	require.False(t, Checkpoint("nope").Valid())
}
