// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package api exposes the read-only monitoring surface: job records,
// allocator state, unattributed conversions, metrics and a live event
// stream. Mutation happens only through the optimizer's own loops.
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adxyz/optimizer/pkg/allocator"
	"github.com/adxyz/optimizer/pkg/attribution"
	"github.com/adxyz/optimizer/pkg/log"
	"github.com/adxyz/optimizer/pkg/metric"
	"github.com/adxyz/optimizer/pkg/queue"
)

// Server is the monitoring API server.
type Server struct {
	alloc        *allocator.Allocator
	queue        *queue.Queue
	unattributed *attribution.UnattributedLog
	metrics      *metric.Metrics
	hub          *Hub
	log          log.Logger

	ingest *Ingest
}

// NewServer wires the monitoring API.
func NewServer(alloc *allocator.Allocator, q *queue.Queue, unattributed *attribution.UnattributedLog,
	metrics *metric.Metrics, hub *Hub, logger log.Logger) *Server {
	return &Server{
		alloc:        alloc,
		queue:        q,
		unattributed: unattributed,
		metrics:      metrics,
		hub:          hub,
		log:          logger,
	}
}

// Router builds the gin router.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/v1")
	{
		v1.GET("/jobs", s.handleListJobs)
		v1.GET("/jobs/:id", s.handleGetJob)
		v1.GET("/ads", s.handleListAds)
		v1.GET("/ads/:id", s.handleGetAd)
		v1.GET("/unattributed", s.handleUnattributed)
		v1.GET("/stream", func(c *gin.Context) {
			s.hub.ServeWS(c.Writer, c.Request)
		})

		if s.ingest != nil {
			v1.POST("/ads", s.handleRegisterAd)
			v1.POST("/ingest/clicks", s.handleIngestClick)
			v1.POST("/ingest/conversions", s.handleIngestConversion)
			v1.POST("/ingest/pipeline", s.handleIngestPipeline)
			v1.POST("/ingest/metrics", s.handleIngestMetrics)
			if s.ingest.Patterns != nil {
				v1.POST("/patterns", s.handleSetPattern)
			}
		}
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		s.metrics.GetGatherer(), promhttp.HandlerOpts{})))

	return router
}

func (s *Server) handleListJobs(c *gin.Context) {
	filter := queue.ListFilter{
		Status:   queue.Status(c.Query("status")),
		EntityID: c.Query("entity"),
		TenantID: c.Query("tenant"),
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = limit
	}

	jobs, err := s.queue.List(c.Request.Context(), filter)
	if err != nil {
		s.log.Error("list jobs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleListAds(c *gin.Context) {
	states := s.alloc.Snapshot()
	c.JSON(http.StatusOK, gin.H{"ads": states, "count": len(states)})
}

func (s *Server) handleGetAd(c *gin.Context) {
	state, err := s.alloc.State(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "ad not found"})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) handleUnattributed(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	entries, err := s.unattributed.List(c.Request.Context(), limit)
	if err != nil {
		s.log.Error("list unattributed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversions": entries, "count": len(entries)})
}
