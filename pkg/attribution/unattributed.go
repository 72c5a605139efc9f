// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package attribution

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adxyz/optimizer/pkg/storage"
)

// UnattributedLog persists conversions no layer could match, queryable
// by the monitoring API for investigation.
type UnattributedLog struct {
	db *sql.DB
}

// NewUnattributedLog creates a log over the shared storage.
func NewUnattributedLog(store *storage.Storage) *UnattributedLog {
	return &UnattributedLog{db: store.DB()}
}

// UnattributedEntry is one stored unmatched conversion.
type UnattributedEntry struct {
	ConversionID string          `json:"conversion_id"`
	Value        decimal.Decimal `json:"value"`
	OccurredAt   time.Time       `json:"occurred_at"`
	RecordedAt   time.Time       `json:"recorded_at"`
	Detail       map[string]any  `json:"detail,omitempty"`
}

// RecordUnattributed implements UnattributedSink. Re-recording the same
// conversion id is a no-op.
func (l *UnattributedLog) RecordUnattributed(conv Conversion, recordedAt time.Time) error {
	detail, err := json.Marshal(map[string]any{
		"ip_present":          conv.IP != "",
		"user_agent_present":  conv.UserAgent != "",
		"click_id_present":    conv.ClickID != "",
		"fingerprint_present": conv.FingerprintHash != "",
	})
	if err != nil {
		return fmt.Errorf("encode detail: %w", err)
	}

	_, err = l.db.Exec(`
		INSERT OR IGNORE INTO unattributed_conversions
			(conversion_id, value, occurred_at, recorded_at, detail)
		VALUES (?, ?, ?, ?, ?)`,
		conv.ConversionID, conv.Value.String(),
		conv.Timestamp.UnixMilli(), recordedAt.UnixMilli(), string(detail),
	)
	if err != nil {
		return fmt.Errorf("record unattributed: %w", err)
	}
	return nil
}

// List returns the most recently recorded unmatched conversions.
func (l *UnattributedLog) List(ctx context.Context, limit int) ([]UnattributedEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT conversion_id, value, occurred_at, recorded_at, detail
		FROM unattributed_conversions
		ORDER BY recorded_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unattributed: %w", err)
	}
	defer rows.Close()

	var entries []UnattributedEntry
	for rows.Next() {
		var (
			entry      UnattributedEntry
			value      string
			occurred   int64
			recorded   int64
			detailJSON sql.NullString
		)
		if err := rows.Scan(&entry.ConversionID, &value, &occurred, &recorded, &detailJSON); err != nil {
			return nil, err
		}
		entry.Value, err = decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("bad value %q: %w", value, err)
		}
		entry.OccurredAt = time.UnixMilli(occurred).UTC()
		entry.RecordedAt = time.UnixMilli(recorded).UTC()
		if detailJSON.Valid && detailJSON.String != "" {
			if err := json.Unmarshal([]byte(detailJSON.String), &entry.Detail); err != nil {
				return nil, fmt.Errorf("bad detail: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
