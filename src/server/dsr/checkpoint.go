// Package dsr orchestrates privacy requests end to end: the status machine,
// webhook surrounds, graph execution per action, manual task pauses, and the
// final subject report.
package dsr

// Checkpoint names a resumable stage of request processing.  A paused or
// failed request records the checkpoint it stopped at; resuming re-enters the
// sequence there and everything earlier is not re-run.
type Checkpoint string

const (
	CheckpointPreWebhooks   Checkpoint = "pre_webhooks"
	CheckpointAccess        Checkpoint = "access"
	CheckpointErasure       Checkpoint = "erasure"
	CheckpointConsent       Checkpoint = "consent"
	CheckpointEmailPostSend Checkpoint = "email_post_send"
	CheckpointPostWebhooks  Checkpoint = "post_webhooks"
)

// CheckpointSequence is the fixed processing order.
var CheckpointSequence = []Checkpoint{
	CheckpointPreWebhooks,
	CheckpointAccess,
	CheckpointErasure,
	CheckpointConsent,
	CheckpointEmailPostSend,
	CheckpointPostWebhooks,
}

func (c Checkpoint) Valid() bool {
	for _, x := range CheckpointSequence {
		if x == c {
			return true
		}
	}
	return false
}

func checkpointIndex(c Checkpoint) int {
	for i, x := range CheckpointSequence {
		if x == c {
			return i
		}
	}
	return -1
}

// CanRunCheckpoint reports whether checkpoint runs when resuming from
// resumeFrom.  An empty resumeFrom runs everything; checkpoints before the
// resume point already ran and are skipped.
func CanRunCheckpoint(resumeFrom, checkpoint Checkpoint) bool {
	if resumeFrom == "" {
		return true
	}
	from := checkpointIndex(resumeFrom)
	at := checkpointIndex(checkpoint)
	if from < 0 || at < 0 {
		return false
	}
	return at >= from
}
