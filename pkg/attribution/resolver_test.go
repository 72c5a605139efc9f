// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package attribution

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/adxyz/optimizer/pkg/log"
)

type memorySink struct {
	recorded []Conversion
}

func (m *memorySink) RecordUnattributed(conv Conversion, recordedAt time.Time) error {
	m.recorded = append(m.recorded, conv)
	return nil
}

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testClick(id, adID string, createdAt time.Time) ClickRecord {
	return ClickRecord{
		ClickID:    id,
		AdID:       adID,
		CampaignID: "camp-1",
		TenantID:   "tenant-1",
		IP:         "198.51.100.7",
		UserAgent:  "Mozilla/5.0 (Macintosh)",
		CreatedAt:  createdAt,
	}
}

func TestExactMatch(t *testing.T) {
	require := require.New(t)
	store := NewClickStore(7 * 24 * time.Hour)
	store.Add(testClick("click-1", "ad-1", testBase))
	r := NewResolver(store, 0.5, nil, log.NoOp())

	res := r.Resolve(Conversion{
		ConversionID: "conv-1",
		Value:        decimal.NewFromInt(500),
		Timestamp:    testBase.Add(2 * time.Hour),
		ClickID:      "click-1",
	}, testBase.Add(2*time.Hour))

	require.Equal(MethodExact, res.Method)
	require.Equal(1.0, res.Confidence)
	require.Equal("ad-1", res.AdID)
	require.Equal("tenant-1", res.TenantID)
	require.Equal("click-1", res.MatchedClickID)
}

func TestExactMatchBeatsLaterLayers(t *testing.T) {
	require := require.New(t)
	store := NewClickStore(7 * 24 * time.Hour)
	exact := testClick("click-1", "ad-1", testBase)
	exact.FingerprintHash = "hash-a"
	store.Add(exact)
	// A second click shares the fingerprint; exact still wins.
	other := testClick("click-2", "ad-2", testBase.Add(-time.Hour))
	other.FingerprintHash = "hash-a"
	store.Add(other)
	r := NewResolver(store, 0.5, nil, log.NoOp())

	res := r.Resolve(Conversion{
		ConversionID:    "conv-1",
		Timestamp:       testBase.Add(time.Hour),
		ClickID:         "click-1",
		FingerprintHash: "hash-a",
	}, testBase.Add(time.Hour))

	require.Equal(MethodExact, res.Method)
	require.Equal("ad-1", res.AdID)
}

func TestFingerprintMatchOldestWins(t *testing.T) {
	require := require.New(t)
	store := NewClickStore(7 * 24 * time.Hour)
	newer := testClick("click-2", "ad-2", testBase.Add(time.Hour))
	newer.FingerprintHash = "hash-a"
	store.Add(newer)
	older := testClick("click-1", "ad-1", testBase)
	older.FingerprintHash = "hash-a"
	store.Add(older)
	r := NewResolver(store, 0.5, nil, log.NoOp())

	res := r.Resolve(Conversion{
		ConversionID:    "conv-1",
		Timestamp:       testBase.Add(3 * time.Hour),
		FingerprintHash: "hash-a",
	}, testBase.Add(3*time.Hour))

	require.Equal(MethodFingerprint, res.Method)
	require.Equal(0.9, res.Confidence)
	require.Equal("click-1", res.MatchedClickID)
}

func TestProbabilisticIPOnly(t *testing.T) {
	require := require.New(t)
	store := NewClickStore(7 * 24 * time.Hour)
	store.Add(testClick("click-1", "ad-1", testBase))
	r := NewResolver(store, 0.5, nil, log.NoOp())

	// Same IP, different user agent, ten hours after the click:
	// 0.5 + 0.2·(1 − 10/24) ≈ 0.617.
	res := r.Resolve(Conversion{
		ConversionID: "conv-1",
		Timestamp:    testBase.Add(10 * time.Hour),
		IP:           "198.51.100.7",
		UserAgent:    "Mozilla/5.0 (iPhone)",
	}, testBase.Add(10*time.Hour))

	require.Equal(MethodProbabilistic, res.Method)
	require.Equal("click-1", res.MatchedClickID)
	require.InDelta(0.6167, res.Confidence, 0.001)
}

func TestProbabilisticBelowThreshold(t *testing.T) {
	require := require.New(t)
	store := NewClickStore(7 * 24 * time.Hour)
	store.Add(testClick("click-1", "ad-1", testBase))
	sink := &memorySink{}
	r := NewResolver(store, 0.5, sink, log.NoOp())

	// User agent alone tops out at 0.3 + 0.2 = 0.5 only at zero age;
	// ten hours out it scores ≈0.417 and misses the threshold.
	res := r.Resolve(Conversion{
		ConversionID: "conv-1",
		Timestamp:    testBase.Add(10 * time.Hour),
		IP:           "203.0.113.9",
		UserAgent:    "Mozilla/5.0 (Macintosh)",
	}, testBase.Add(10*time.Hour))

	require.Equal(MethodNone, res.Method)
	require.Empty(res.AdID)
	require.Len(sink.recorded, 1)
	require.Equal("conv-1", sink.recorded[0].ConversionID)
}

func TestProbabilisticBestCandidateWins(t *testing.T) {
	require := require.New(t)
	store := NewClickStore(7 * 24 * time.Hour)
	// IP-only candidate versus IP+UA candidate.
	ipOnly := testClick("click-1", "ad-1", testBase)
	ipOnly.UserAgent = "other"
	store.Add(ipOnly)
	store.Add(testClick("click-2", "ad-2", testBase))
	r := NewResolver(store, 0.5, nil, log.NoOp())

	res := r.Resolve(Conversion{
		ConversionID: "conv-1",
		Timestamp:    testBase.Add(time.Hour),
		IP:           "198.51.100.7",
		UserAgent:    "Mozilla/5.0 (Macintosh)",
	}, testBase.Add(time.Hour))

	require.Equal(MethodProbabilistic, res.Method)
	require.Equal("click-2", res.MatchedClickID)
}

func TestResolveDeterministic(t *testing.T) {
	require := require.New(t)
	store := NewClickStore(7 * 24 * time.Hour)
	for _, id := range []string{"click-b", "click-a", "click-c"} {
		store.Add(testClick(id, "ad-"+id, testBase))
	}
	r := NewResolver(store, 0.5, nil, log.NoOp())

	conv := Conversion{
		ConversionID: "conv-1",
		Timestamp:    testBase.Add(time.Hour),
		IP:           "198.51.100.7",
	}
	first := r.Resolve(conv, testBase.Add(time.Hour))
	for i := 0; i < 10; i++ {
		require.Equal(first, r.Resolve(conv, testBase.Add(time.Hour)))
	}
	// Equal scores resolve to the lexicographically first click id.
	require.Equal("click-a", first.MatchedClickID)
}

func TestExpiredClickNotMatched(t *testing.T) {
	require := require.New(t)
	store := NewClickStore(7 * 24 * time.Hour)
	store.Add(testClick("click-1", "ad-1", testBase))
	sink := &memorySink{}
	r := NewResolver(store, 0.5, sink, log.NoOp())

	now := testBase.Add(8 * 24 * time.Hour)
	res := r.Resolve(Conversion{
		ConversionID: "conv-1",
		Timestamp:    now,
		ClickID:      "click-1",
		IP:           "198.51.100.7",
		UserAgent:    "Mozilla/5.0 (Macintosh)",
	}, now)

	require.Equal(MethodNone, res.Method)
	require.Len(sink.recorded, 1)
}

func TestFingerprintOrderInsensitive(t *testing.T) {
	require := require.New(t)
	a := Fingerprint(map[string]string{
		"screen":   "2560x1440",
		"timezone": "America/New_York",
		"os":       "macOS",
	})
	b := Fingerprint(map[string]string{
		"os":       "macOS",
		"screen":   "2560x1440",
		"timezone": "America/New_York",
	})
	require.Equal(a, b)

	c := Fingerprint(map[string]string{
		"os":       "macOS",
		"screen":   "1920x1080",
		"timezone": "America/New_York",
	})
	require.NotEqual(a, c)
}

func TestStoreDerivesExpiryAndHash(t *testing.T) {
	require := require.New(t)
	store := NewClickStore(24 * time.Hour)
	click := testClick("click-1", "ad-1", testBase)
	click.Components = map[string]string{"os": "macOS", "screen": "2560x1440"}
	store.Add(click)

	got, ok := store.Get("click-1", testBase.Add(time.Hour))
	require.True(ok)
	require.Equal(testBase.Add(24*time.Hour), got.ExpiresAt)
	require.Equal(Fingerprint(click.Components), got.FingerprintHash)

	matches := store.ByFingerprint(got.FingerprintHash, testBase.Add(time.Hour))
	require.Len(matches, 1)
}

func TestPurgeDropsExpired(t *testing.T) {
	require := require.New(t)
	store := NewClickStore(time.Hour)
	store.Add(testClick("click-1", "ad-1", testBase))
	store.Add(testClick("click-2", "ad-2", testBase.Add(2*time.Hour)))

	removed := store.Purge(testBase.Add(90 * time.Minute))
	require.Equal(1, removed)
	require.Equal(1, store.Len())

	_, ok := store.Get("click-1", testBase.Add(90*time.Minute))
	require.False(ok)
	_, ok = store.Get("click-2", testBase.Add(90*time.Minute))
	require.True(ok)
}
