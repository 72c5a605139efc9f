// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package worker

import (
	"github.com/shopspring/decimal"

	"github.com/adxyz/optimizer/pkg/feedback"
	"github.com/adxyz/optimizer/pkg/log"
	"github.com/adxyz/optimizer/pkg/queue"
)

// FeedbackRecorder feeds execution outcomes back into allocator state.
// Platform responses may carry fresh performance numbers alongside the
// acknowledgement; those fold in through the normal feedback path.
type FeedbackRecorder struct {
	ingestor *feedback.Ingestor
	log      log.Logger
}

// NewFeedbackRecorder creates a recorder over the ingestor.
func NewFeedbackRecorder(ingestor *feedback.Ingestor, logger log.Logger) *FeedbackRecorder {
	return &FeedbackRecorder{ingestor: ingestor, log: logger}
}

// RecordExecution implements ResultSink.
func (r *FeedbackRecorder) RecordExecution(job *queue.Job, result *ExecutionResult) {
	if result == nil || result.ResponsePayload == nil {
		return
	}

	ev := feedback.MetricsEvent{
		TenantID: job.TenantID,
		AdID:     job.EntityID,
	}
	found := false
	if v, ok := payloadInt(result.ResponsePayload, "impressions"); ok {
		ev.Impressions = v
		found = true
	}
	if v, ok := payloadInt(result.ResponsePayload, "clicks"); ok {
		ev.Clicks = v
		found = true
	}
	if v, ok := payloadDecimal(result.ResponsePayload, "spend"); ok {
		ev.Spend = v
		found = true
	}
	if !found {
		return
	}

	if err := r.ingestor.IngestMetrics(ev); err != nil {
		// An executed change for an entity the allocator does not track
		// is possible when jobs outlive ad teardown; just log it.
		r.log.Debug("execution feedback dropped", "job", job.ID, "error", err)
	}
}

func payloadInt(payload map[string]any, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

func payloadDecimal(payload map[string]any, key string) (decimal.Decimal, bool) {
	switch v := payload[key].(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	case float64:
		return decimal.NewFromFloat(v), true
	default:
		return decimal.Decimal{}, false
	}
}
