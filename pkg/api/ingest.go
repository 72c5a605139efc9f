// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/adxyz/optimizer/pkg/allocator"
	"github.com/adxyz/optimizer/pkg/attribution"
	"github.com/adxyz/optimizer/pkg/feedback"
	"github.com/adxyz/optimizer/pkg/pattern"
)

// Ingest carries the write-side collaborators for the ingestion
// endpoints. The job queue stays read-only over HTTP.
type Ingest struct {
	Clicks   *attribution.ClickStore
	Resolver *attribution.Resolver
	Ingestor *feedback.Ingestor
	Alloc    *allocator.Allocator
	Patterns *pattern.Index
}

// WithIngest mounts the ingestion endpoints onto the server.
func (s *Server) WithIngest(in Ingest) *Server {
	s.ingest = &in
	return s
}

type registerAdRequest struct {
	AdID     string `json:"ad_id" binding:"required"`
	TenantID string `json:"tenant_id" binding:"required"`
	Mode     string `json:"mode" binding:"required,oneof=pipeline direct"`
}

func (s *Server) handleRegisterAd(c *gin.Context) {
	var req registerAdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, err := allocator.ParseMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.ingest.Alloc.Register(req.AdID, req.TenantID, mode)
	c.JSON(http.StatusCreated, gin.H{"ad_id": req.AdID})
}

type patternRequest struct {
	AdID  string  `json:"ad_id" binding:"required"`
	Score float64 `json:"score" binding:"gte=0,lte=1"`
}

// handleSetPattern feeds externally mined performance-pattern scores
// into the index the allocator boosts from.
func (s *Server) handleSetPattern(c *gin.Context) {
	var req patternRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.ingest.Patterns.SetScore(req.AdID, req.Score)
	c.JSON(http.StatusOK, gin.H{"ad_id": req.AdID, "score": req.Score})
}

type clickRequest struct {
	ClickID    string            `json:"click_id"`
	AdID       string            `json:"ad_id" binding:"required"`
	CampaignID string            `json:"campaign_id"`
	TenantID   string            `json:"tenant_id"`
	IP         string            `json:"ip"`
	UserAgent  string            `json:"user_agent"`
	Components map[string]string `json:"fingerprint_components"`
	CreatedAt  time.Time         `json:"created_at"`
	TTLHours   float64           `json:"ttl_hours"`
}

func (s *Server) handleIngestClick(c *gin.Context) {
	var req clickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ClickID == "" {
		req.ClickID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	click := attribution.ClickRecord{
		ClickID:    req.ClickID,
		AdID:       req.AdID,
		CampaignID: req.CampaignID,
		TenantID:   req.TenantID,
		IP:         req.IP,
		UserAgent:  req.UserAgent,
		Components: req.Components,
		CreatedAt:  req.CreatedAt,
	}
	if req.TTLHours > 0 {
		click.ExpiresAt = req.CreatedAt.Add(time.Duration(req.TTLHours * float64(time.Hour)))
	}
	s.ingest.Clicks.Add(click)
	c.JSON(http.StatusCreated, gin.H{"click_id": req.ClickID})
}

type conversionRequest struct {
	ConversionID    string          `json:"conversion_id"`
	Value           decimal.Decimal `json:"value"`
	Timestamp       time.Time       `json:"timestamp"`
	ClickID         string          `json:"click_id"`
	IP              string          `json:"ip"`
	UserAgent       string          `json:"user_agent"`
	FingerprintHash string          `json:"fingerprint_hash"`
}

func (s *Server) handleIngestConversion(c *gin.Context) {
	var req conversionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ConversionID == "" {
		req.ConversionID = uuid.NewString()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	conv := attribution.Conversion{
		ConversionID:    req.ConversionID,
		Value:           req.Value,
		Timestamp:       req.Timestamp,
		ClickID:         req.ClickID,
		IP:              req.IP,
		UserAgent:       req.UserAgent,
		FingerprintHash: req.FingerprintHash,
	}
	result := s.ingest.Resolver.Resolve(conv, time.Now().UTC())
	s.metrics.ConversionsResolved.WithLabelValues(string(result.Method)).Inc()
	s.hub.Publish("conversion.resolved", result)

	if err := s.ingest.Ingestor.IngestAttribution(result, req.Value); err != nil {
		// The click matched an ad the allocator no longer tracks.
		s.log.Warn("attribution feedback dropped", "conversion", req.ConversionID, "error", err)
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleIngestPipeline(c *gin.Context) {
	var ev feedback.PipelineEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.ingest.Ingestor.IngestPipelineEvent(ev); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, allocator.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	s.metrics.FeedbackIngested.Inc()
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Server) handleIngestMetrics(c *gin.Context) {
	var ev feedback.MetricsEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.ingest.Ingestor.IngestMetrics(ev); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, allocator.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	s.metrics.FeedbackIngested.Inc()
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
