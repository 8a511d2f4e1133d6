package prdb

import "fmt"

// RequestNotFoundError indicates the privacy request id does not exist.
type RequestNotFoundError struct {
	ID string
}

func (e *RequestNotFoundError) Error() string {
	return fmt.Sprintf("privacy request not found (id=%s)", e.ID)
}

// TaskNotFoundError indicates the manual task does not exist.
type TaskNotFoundError struct {
	ConnectionKey string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("manual task not found (connection=%s)", e.ConnectionKey)
}

// InstanceNotFoundError indicates the manual task instance does not exist.
type InstanceNotFoundError struct {
	ID string
}

func (e *InstanceNotFoundError) Error() string {
	return fmt.Sprintf("manual task instance not found (id=%s)", e.ID)
}

// InvalidTransitionError indicates a privacy request status transition that
// the state machine does not permit.
type InvalidTransitionError struct {
	From, To RequestStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid privacy request transition %s -> %s", e.From, e.To)
}
