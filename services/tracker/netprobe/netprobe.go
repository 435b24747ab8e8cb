// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package netprobe answers one question cheaply: is the network there?
//
// Two tiers are offered. FastCheck is a DNS-only probe with a sub-second
// deadline, suitable for calling on every sync tick. ThoroughCheck
// layers TCP and HTTP on top of DNS and is used by the health checker
// on its slower cadence. Both fail closed: any error, timeout, or
// ambiguity reports offline.
package netprobe

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/AleutianAI/shiftlog/pkg/logging"
)

// Resolver resolves host names. Satisfied by *net.Resolver; tests
// substitute a canned implementation.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Dialer opens TCP connections. Satisfied by *net.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// HTTPDoer issues HTTP requests. Satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Result reports the outcome of a ThoroughCheck, layer by layer.
type Result struct {
	DNS  bool
	TCP  bool
	HTTP bool
	// Elapsed is the total probe duration.
	Elapsed time.Duration
}

// Online is true only when every layer succeeded.
func (r Result) Online() bool { return r.DNS && r.TCP && r.HTTP }

// Options configures a Prober. Zero values fall back to defaults.
type Options struct {
	// ProbeURL is the well-known endpoint probed for connectivity.
	// Default "https://www.google.com".
	ProbeURL string
	// FastTimeout bounds FastCheck. Default 500ms.
	FastTimeout time.Duration
	// ThoroughTimeout bounds the whole ThoroughCheck. Default 3s.
	ThoroughTimeout time.Duration

	Resolver Resolver
	Dialer   Dialer
	Client   HTTPDoer
	Logger   *logging.Logger
}

// Prober performs connectivity checks. Safe for concurrent use; it
// holds no mutable state.
type Prober struct {
	probeHost       string
	probeURL        string
	fastTimeout     time.Duration
	thoroughTimeout time.Duration
	resolver        Resolver
	dialer          Dialer
	client          HTTPDoer
	log             *logging.Logger
}

// New creates a Prober.
func New(opts Options) *Prober {
	if opts.ProbeURL == "" {
		opts.ProbeURL = "https://www.google.com"
	}
	if opts.FastTimeout <= 0 {
		opts.FastTimeout = 500 * time.Millisecond
	}
	if opts.ThoroughTimeout <= 0 {
		opts.ThoroughTimeout = 3 * time.Second
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.ThoroughTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}

	host := "www.google.com"
	if u, err := url.Parse(opts.ProbeURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}

	return &Prober{
		probeHost:       host,
		probeURL:        opts.ProbeURL,
		fastTimeout:     opts.FastTimeout,
		thoroughTimeout: opts.ThoroughTimeout,
		resolver:        opts.Resolver,
		dialer:          opts.Dialer,
		client:          opts.Client,
		log:             opts.Logger.With("component", "netprobe"),
	}
}

// FastCheck reports whether DNS resolution of the probe host succeeds
// within the fast deadline. Cheap enough to call on every sync tick.
func (p *Prober) FastCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.fastTimeout)
	defer cancel()

	addrs, err := p.resolver.LookupHost(ctx, p.probeHost)
	if err != nil || len(addrs) == 0 {
		return false
	}
	return true
}

// ThoroughCheck probes DNS, then TCP to port 443 on the probe host,
// then an HTTP HEAD against the probe URL, stopping at the first
// failed layer. The whole check shares one deadline.
func (p *Prober) ThoroughCheck(ctx context.Context) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.thoroughTimeout)
	defer cancel()

	var res Result
	defer func() { res.Elapsed = time.Since(start) }()

	addrs, err := p.resolver.LookupHost(ctx, p.probeHost)
	if err != nil || len(addrs) == 0 {
		p.log.Debug("thorough check: dns failed", "host", p.probeHost, "error", err)
		return res
	}
	res.DNS = true

	conn, err := p.dialer.DialContext(ctx, "tcp", net.JoinHostPort(p.probeHost, "443"))
	if err != nil {
		p.log.Debug("thorough check: tcp failed", "host", p.probeHost, "error", err)
		return res
	}
	conn.Close()
	res.TCP = true

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.probeURL, nil)
	if err != nil {
		return res
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Debug("thorough check: http failed", "url", p.probeURL, "error", err)
		return res
	}
	resp.Body.Close()
	// Any response means the path to the internet works, even a 4xx/5xx
	// from the probe endpoint itself.
	res.HTTP = true
	return res
}

// CheckHost reports whether a TCP connection to the given host and port
// can be established within the fast deadline. Used to probe the remote
// API endpoint specifically, independent of general connectivity.
func (p *Prober) CheckHost(ctx context.Context, host, port string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.fastTimeout)
	defer cancel()

	conn, err := p.dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
