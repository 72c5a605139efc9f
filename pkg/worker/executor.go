// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/adxyz/optimizer/pkg/queue"
)

// ExecutionResult is the platform's response to a submitted change.
type ExecutionResult struct {
	Success         bool           `json:"success"`
	ResponsePayload map[string]any `json:"response_payload,omitempty"`
}

// PlatformExecutor is the external ad-platform client contract. The
// concrete integration lives outside this core.
type PlatformExecutor interface {
	SubmitChange(ctx context.Context, entityID string, changeType queue.ChangeType, value decimal.Decimal) (*ExecutionResult, error)
}

// TransientError marks a failure worth retrying: timeouts, network
// faults, platform 5xx-equivalents.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a platform-side rejection that retrying cannot
// fix: validation failures, 4xx-equivalents.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps an error as retryable.
func Transient(err error) error { return &TransientError{Err: err} }

// Permanent wraps an error as non-retryable.
func Permanent(err error) error { return &PermanentError{Err: err} }

// IsPermanent reports whether the error is a platform-side rejection.
// Anything else, including executor timeouts, is treated as transient.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// FakeExecutor is an in-memory platform executor used by tests and the
// daemon's dry-run mode. It records submissions and returns scripted
// outcomes.
type FakeExecutor struct {
	mu          sync.Mutex
	submissions []Submission
	// FailWith, when set, is returned for the next FailCount calls.
	FailWith  error
	FailCount int
}

// Submission is one recorded executor call.
type Submission struct {
	EntityID   string
	ChangeType queue.ChangeType
	Value      decimal.Decimal
}

// NewFakeExecutor creates an executor that accepts everything.
func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{}
}

// SubmitChange records the call and returns the scripted outcome.
func (f *FakeExecutor) SubmitChange(ctx context.Context, entityID string, changeType queue.ChangeType, value decimal.Decimal) (*ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, Transient(err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, Submission{
		EntityID:   entityID,
		ChangeType: changeType,
		Value:      value,
	})
	if f.FailWith != nil && f.FailCount != 0 {
		if f.FailCount > 0 {
			f.FailCount--
		}
		return nil, f.FailWith
	}
	return &ExecutionResult{
		Success: true,
		ResponsePayload: map[string]any{
			"entity_id": entityID,
			"applied":   value.String(),
		},
	}, nil
}

// Submissions returns a copy of all recorded calls.
func (f *FakeExecutor) Submissions() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Submission, len(f.submissions))
	copy(out, f.submissions)
	return out
}

// ErrPlatformRejected is a canned permanent failure for tests.
var ErrPlatformRejected = Permanent(fmt.Errorf("platform rejected change"))
