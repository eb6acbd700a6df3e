package core

import "errors"

var (
	ErrInvalidPayload = errors.New("invalid payload")
	ErrEnqueueFailed  = errors.New("failed to enqueue work item")
	ErrScoringFailed  = errors.New("scoring failed")
)
