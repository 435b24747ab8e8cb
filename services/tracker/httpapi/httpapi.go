// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package httpapi serves the loopback control surface the tray UI and
// operators poll: health, sync status, Prometheus metrics, and a mode
// override. It binds to loopback only; it is not an external API.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/shiftlog/pkg/logging"
	"github.com/AleutianAI/shiftlog/services/tracker/breaker"
	"github.com/AleutianAI/shiftlog/services/tracker/degrade"
	"github.com/AleutianAI/shiftlog/services/tracker/engine"
	"github.com/AleutianAI/shiftlog/services/tracker/health"
	"github.com/AleutianAI/shiftlog/services/tracker/telemetry"
)

// Backlog reports the queue's pending count.
type Backlog interface {
	CountUnsynced(ctx context.Context, email string) (int, error)
}

// Options wires the server's data sources.
type Options struct {
	ListenAddr string
	Engine     *engine.Engine
	Health     *health.Checker
	Degrade    *degrade.Manager
	Breakers   *breaker.Registry
	Queue      Backlog
	Metrics    *telemetry.Metrics
	Logger     *logging.Logger
}

// Server is the loopback HTTP control surface.
type Server struct {
	opts Options
	log  *logging.Logger
	srv  *http.Server
}

// New builds the server and its routes.
func New(opts Options) (*Server, error) {
	if opts.ListenAddr == "" {
		return nil, fmt.Errorf("httpapi: listen address is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	s := &Server{
		opts: opts,
		log:  opts.Logger.With("component", "httpapi"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealthz)
	router.GET("/status", s.handleStatus)
	router.POST("/mode", s.handleForceMode)
	router.DELETE("/mode", s.handleClearMode)
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			opts.Metrics.Registry(), promhttp.HandlerOpts{})))
	}

	s.srv = &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler exposes the route tree, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) handleHealthz(c *gin.Context) {
	status := http.StatusOK
	overall := "healthy"
	var failing []string
	if s.opts.Health != nil {
		snap := s.opts.Health.Snapshot()
		overall = snap.Overall.String()
		failing = snap.FailingChecks()
		if snap.Overall == health.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, gin.H{
		"status":  overall,
		"failing": failing,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{}

	if s.opts.Engine != nil {
		resp["sync"] = s.opts.Engine.Status()
	}
	if s.opts.Degrade != nil {
		resp["mode"] = s.opts.Degrade.Mode().String()
		resp["forced"] = s.opts.Degrade.Forced()
		resp["capabilities"] = s.opts.Degrade.Capabilities()
		resp["transitions"] = s.opts.Degrade.History()
	}
	if s.opts.Breakers != nil {
		breakers := gin.H{}
		for _, st := range s.opts.Breakers.All() {
			breakers[st.Name] = gin.H{
				"state":                st.State.String(),
				"consecutive_failures": st.ConsecutiveFailures,
				"total_calls":          st.Metrics.TotalCalls,
				"rejected_calls":       st.Metrics.RejectedCalls,
				"state_changes":        st.Metrics.StateChanges,
			}
		}
		resp["breakers"] = breakers
	}
	if s.opts.Queue != nil {
		if backlog, err := s.opts.Queue.CountUnsynced(c.Request.Context(), ""); err == nil {
			resp["backlog"] = backlog
		}
	}

	c.JSON(http.StatusOK, resp)
}

type forceModeRequest struct {
	Mode   string `json:"mode" binding:"required"`
	Reason string `json:"reason"`
}

func (s *Server) handleForceMode(c *gin.Context) {
	if s.opts.Degrade == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "mode control unavailable"})
		return
	}
	var req forceModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, err := degrade.ParseMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "forced via control endpoint"
	}
	s.opts.Degrade.Force(mode, reason)
	c.JSON(http.StatusOK, gin.H{"mode": mode.String(), "forced": true})
}

func (s *Server) handleClearMode(c *gin.Context) {
	if s.opts.Degrade == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "mode control unavailable"})
		return
	}
	s.opts.Degrade.ClearForce()
	c.JSON(http.StatusOK, gin.H{"forced": false})
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("status endpoint failed", "error", err)
		}
	}()
	s.log.Info("status endpoint listening", "addr", s.opts.ListenAddr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
