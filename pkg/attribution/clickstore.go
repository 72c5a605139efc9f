// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package attribution

import (
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ClickRecord is one tracked ad click. Records are read-only after
// creation and become ineligible for matching once expired.
type ClickRecord struct {
	ClickID         string            `json:"click_id"`
	AdID            string            `json:"ad_id"`
	CampaignID      string            `json:"campaign_id"`
	TenantID        string            `json:"tenant_id"`
	IP              string            `json:"ip"`
	UserAgent       string            `json:"user_agent"`
	FingerprintHash string            `json:"fingerprint_hash"`
	Components      map[string]string `json:"fingerprint_components,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
}

// Expired reports whether the record is past its TTL at the given time.
func (c ClickRecord) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Fingerprint hashes device signal components (screen, timezone, OS,
// browser and the like) into a stable identity hash. Component order
// does not matter.
func Fingerprint(components map[string]string) string {
	keys := make([]string, 0, len(components))
	for k := range components {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(components[k])
		b.WriteByte('|')
	}
	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// ClickStore holds click records in memory, indexed for the resolver's
// matching layers. Expired records are dropped by Purge.
type ClickStore struct {
	ttl time.Duration

	mu            sync.RWMutex
	byID          map[string]*ClickRecord
	byFingerprint map[string][]*ClickRecord
}

// NewClickStore creates a store with the given default TTL.
func NewClickStore(ttl time.Duration) *ClickStore {
	return &ClickStore{
		ttl:           ttl,
		byID:          make(map[string]*ClickRecord),
		byFingerprint: make(map[string][]*ClickRecord),
	}
}

// Add stores a click. Missing expiry and fingerprint hash are derived.
func (s *ClickStore) Add(click ClickRecord) {
	if click.ExpiresAt.IsZero() {
		click.ExpiresAt = click.CreatedAt.Add(s.ttl)
	}
	if click.FingerprintHash == "" && len(click.Components) > 0 {
		click.FingerprintHash = Fingerprint(click.Components)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &click
	s.byID[click.ClickID] = rec
	if click.FingerprintHash != "" {
		s.byFingerprint[click.FingerprintHash] = append(s.byFingerprint[click.FingerprintHash], rec)
	}
}

// Get returns the click with the given id, if present and unexpired.
func (s *ClickStore) Get(clickID string, now time.Time) (ClickRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[clickID]
	if !ok || rec.Expired(now) {
		return ClickRecord{}, false
	}
	return *rec, true
}

// ByFingerprint returns unexpired clicks with the given fingerprint
// hash, oldest first.
func (s *ClickStore) ByFingerprint(hash string, now time.Time) []ClickRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ClickRecord
	for _, rec := range s.byFingerprint[hash] {
		if !rec.Expired(now) {
			out = append(out, *rec)
		}
	}
	sortClicks(out)
	return out
}

// All returns every unexpired click, oldest first.
func (s *ClickStore) All(now time.Time) []ClickRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ClickRecord, 0, len(s.byID))
	for _, rec := range s.byID {
		if !rec.Expired(now) {
			out = append(out, *rec)
		}
	}
	sortClicks(out)
	return out
}

// Purge drops expired records and returns how many were removed.
func (s *ClickStore) Purge(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.byID {
		if rec.Expired(now) {
			delete(s.byID, id)
			removed++
		}
	}
	for hash, recs := range s.byFingerprint {
		kept := recs[:0]
		for _, rec := range recs {
			if !rec.Expired(now) {
				kept = append(kept, rec)
			}
		}
		if len(kept) == 0 {
			delete(s.byFingerprint, hash)
		} else {
			s.byFingerprint[hash] = kept
		}
	}
	return removed
}

// Len returns the number of stored records, including expired ones not
// yet purged.
func (s *ClickStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// sortClicks orders by creation time, then id, so matching is
// deterministic for identical inputs.
func sortClicks(clicks []ClickRecord) {
	sort.Slice(clicks, func(i, j int) bool {
		if !clicks[i].CreatedAt.Equal(clicks[j].CreatedAt) {
			return clicks[i].CreatedAt.Before(clicks[j].CreatedAt)
		}
		return clicks[i].ClickID < clicks[j].ClickID
	})
}
