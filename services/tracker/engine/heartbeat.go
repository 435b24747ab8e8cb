// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/AleutianAI/shiftlog/pkg/logging"
)

// HeartbeatListener receives UDP heartbeats from the UI process on
// loopback. The engine uses the age of the last heartbeat to detect an
// orphaned session: a UI that crashed without logging out stops
// heartbeating, and after the timeout the engine queues a LOGOUT on
// its behalf.
//
// Thread Safety: safe for concurrent use.
type HeartbeatListener struct {
	port int
	log  *logging.Logger

	mu       sync.Mutex
	lastSeen time.Time
	count    uint64
	conn     *net.UDPConn
	done     chan struct{}

	// onBeat, if set, fires per received datagram (metrics hook).
	onBeat func()
}

// NewHeartbeatListener creates a listener bound later by Start.
func NewHeartbeatListener(port int, onBeat func(), logger *logging.Logger) *HeartbeatListener {
	if logger == nil {
		logger = logging.Default()
	}
	return &HeartbeatListener{
		port:   port,
		onBeat: onBeat,
		log:    logger.With("component", "heartbeat"),
	}
}

// Start binds the loopback UDP port and begins consuming heartbeats.
// The listener shuts down when ctx is canceled or Stop is called.
func (h *HeartbeatListener) Start(ctx context.Context) error {
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: h.port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("heartbeat: listen on %s: %w", addr, err)
	}

	h.mu.Lock()
	if h.conn != nil {
		h.mu.Unlock()
		conn.Close()
		return fmt.Errorf("heartbeat: listener already started")
	}
	h.conn = conn
	h.lastSeen = time.Now() // the UI gets a full timeout from startup
	h.done = make(chan struct{})
	done := h.done
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go func() {
		defer close(done)
		buf := make([]byte, 64)
		for {
			if _, _, err := conn.ReadFromUDP(buf); err != nil {
				// Closed connection ends the loop.
				return
			}
			h.mu.Lock()
			h.lastSeen = time.Now()
			h.count++
			h.mu.Unlock()
			if h.onBeat != nil {
				h.onBeat()
			}
		}
	}()

	h.log.Info("heartbeat listener started", "port", h.port)
	return nil
}

// Stop closes the socket and waits for the read loop to exit.
func (h *HeartbeatListener) Stop() {
	h.mu.Lock()
	conn := h.conn
	done := h.done
	h.conn = nil
	h.done = nil
	h.mu.Unlock()

	if conn != nil {
		conn.Close()
		<-done
	}
}

// LastSeen returns the time of the most recent heartbeat (or listener
// start, whichever is later) and the total heartbeats received.
func (h *HeartbeatListener) LastSeen() (time.Time, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSeen, h.count
}
