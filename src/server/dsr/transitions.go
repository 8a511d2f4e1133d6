package dsr

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/ethyca/fides-engine/src/internal/prdb"
)

// allowedTransitions is the full status machine.  Absent statuses (complete,
// canceled, denied) are terminal.
var allowedTransitions = map[prdb.RequestStatus][]prdb.RequestStatus{
	prdb.StatusIdentityUnverified: {
		prdb.StatusPending,
		prdb.StatusRequiresInput,
		prdb.StatusCanceled,
		prdb.StatusError,
	},
	prdb.StatusRequiresInput: {
		prdb.StatusPending,
		prdb.StatusInProcessing,
		prdb.StatusCanceled,
		prdb.StatusError,
	},
	prdb.StatusPending: {
		prdb.StatusApproved,
		prdb.StatusDenied,
		prdb.StatusInProcessing,
		prdb.StatusCanceled,
		prdb.StatusError,
	},
	prdb.StatusApproved: {
		prdb.StatusInProcessing,
		prdb.StatusCanceled,
		prdb.StatusError,
	},
	prdb.StatusInProcessing: {
		prdb.StatusPaused,
		prdb.StatusRequiresInput,
		prdb.StatusAwaitingEmailSend,
		prdb.StatusComplete,
		prdb.StatusCanceled,
		prdb.StatusError,
	},
	prdb.StatusPaused: {
		prdb.StatusInProcessing,
		prdb.StatusCanceled,
		prdb.StatusError,
	},
	prdb.StatusAwaitingEmailSend: {
		prdb.StatusInProcessing,
		prdb.StatusComplete,
		prdb.StatusCanceled,
		prdb.StatusError,
	},
	prdb.StatusError: {
		prdb.StatusInProcessing,
		prdb.StatusCanceled,
	},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to prdb.RequestStatus) bool {
	for _, x := range allowedTransitions[from] {
		if x == to {
			return true
		}
	}
	return false
}

// transition validates and applies a status change, returning the refreshed
// request.
func transition(ctx context.Context, ext sqlx.ExtContext, req prdb.PrivacyRequest, to prdb.RequestStatus) (prdb.PrivacyRequest, error) {
	if !CanTransition(req.Status, to) {
		return req, &prdb.InvalidTransitionError{From: req.Status, To: to}
	}
	if err := prdb.UpdateRequestStatus(ctx, ext, req.ID, to); err != nil {
		return req, err
	}
	req.Status = to
	return req, nil
}
