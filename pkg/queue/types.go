// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package queue

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a pending change.
// Transitions are forward-only: pending -> claimed -> executing ->
// completed | failed | blocked.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusBlocked
}

// ChangeType identifies the kind of change a job applies.
type ChangeType string

const (
	ChangeBudgetIncrease  ChangeType = "budget-increase"
	ChangeBudgetDecrease  ChangeType = "budget-decrease"
	ChangeStatusChange    ChangeType = "status-change"
	ChangeTargetingUpdate ChangeType = "targeting-update"
)

// Budget reports whether the change type moves a budget value.
func (c ChangeType) Budget() bool {
	return c == ChangeBudgetIncrease || c == ChangeBudgetDecrease
}

// Job is a persisted pending change awaiting execution against the ad
// platform. Exactly one worker holds a claimed job at any time.
type Job struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	EntityID       string          `json:"entity_id"`
	EntityType     string          `json:"entity_type"`
	ChangeType     ChangeType      `json:"change_type"`
	RequestedValue decimal.Decimal `json:"requested_value"`
	Payload        map[string]any  `json:"payload,omitempty"`
	Status         Status          `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	ClaimedBy      string          `json:"claimed_by,omitempty"`
	Attempts       int             `json:"attempts"`
	JitterMin      time.Duration   `json:"jitter_min"`
	JitterMax      time.Duration   `json:"jitter_max"`
	RunAfter       time.Time       `json:"run_after"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// ListFilter narrows job listings for the monitoring API.
type ListFilter struct {
	Status   Status
	EntityID string
	TenantID string
	Limit    int
}
