// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package health tracks reachability of the configured chat provider.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jeranaias/stockroom-assistant/internal/anthropic"
	"github.com/jeranaias/stockroom-assistant/internal/ollama"
	"github.com/jeranaias/stockroom-assistant/internal/settings"
)

// =============================================================================
// TIMING CONSTANTS
// =============================================================================

const (
	// baseDelay is the first retry delay after a failure.
	baseDelay = 5 * time.Second

	// maxDelay caps the geometric retry backoff.
	maxDelay = 30 * time.Second

	// healthyIntervalLocal is the re-check cadence while the local provider
	// is reachable.
	healthyIntervalLocal = 30 * time.Second

	// healthyIntervalRemote is the re-check cadence for the remote
	// credential check. It is pure local computation, but there is no point
	// re-validating an unchanged string more often than this.
	healthyIntervalRemote = 60 * time.Second

	// probeTimeout bounds a single local probe round trip.
	probeTimeout = 3 * time.Second
)

// backoffDelay returns the retry delay for the given consecutive failure
// count: base doubled per failure, capped at maxDelay.
func backoffDelay(failures int) time.Duration {
	delay := baseDelay
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

// =============================================================================
// STATE
// =============================================================================

// State describes provider reachability.
type State int

const (
	// StateConnecting is the initial state before any probe completes.
	// It is never re-entered.
	StateConnecting State = iota

	// StateConnected means the most recent probe succeeded.
	StateConnected

	// StateReconnecting means probes are failing after at least one
	// success in the monitor's lifetime.
	StateReconnecting

	// StateDisconnected means probes are failing and no probe has ever
	// succeeded.
	StateDisconnected
)

// String returns the state's display name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Status is a snapshot of provider health. The monitor is its sole writer.
type Status struct {
	State    State
	Provider settings.Provider

	// Models is the last-known installed model list (local provider only).
	Models []string

	// Err holds the most recent probe failure, nil while healthy.
	Err error

	// CheckedAt is when the snapshot was produced.
	CheckedAt time.Time
}

// =============================================================================
// PROBING
// =============================================================================

// ProbeFunc performs one reachability check against the given settings and
// returns the available model list (local provider) or an error.
type ProbeFunc func(ctx context.Context, s *settings.Settings) ([]string, error)

// errCredentialFormat is returned by the remote probe for a missing or
// malformed credential.
var errCredentialFormat = errors.New("remote credential missing or malformed")

// defaultProbe checks the provider the settings select. The local probe
// lists models over HTTP; the remote probe validates credential format
// offline so liveness checks never bill a metered endpoint.
func defaultProbe(ctx context.Context, s *settings.Settings) ([]string, error) {
	switch s.Provider {
	case settings.ProviderRemote:
		if !anthropic.ValidateCredential(s.RemoteCredential) {
			return nil, errCredentialFormat
		}
		return nil, nil

	default:
		client := ollama.NewClientWithConfig(&ollama.ClientConfig{
			BaseURL: s.LocalEndpoint,
			Timeout: probeTimeout,
		})
		models, err := client.ListModels(ctx)
		if err != nil {
			return nil, err
		}
		names := make([]string, len(models))
		for i, m := range models {
			names[i] = m.Name
		}
		return names, nil
	}
}

// =============================================================================
// MONITOR
// =============================================================================

// Monitor probes the active provider on a schedule: a fixed interval while
// healthy, geometric backoff while failing. Settings are read fresh on every
// probe, so a provider switch takes effect on the next tick; CheckNow forces
// that tick immediately.
type Monitor struct {
	loader   settings.Loader
	probe    ProbeFunc
	onChange func(Status)
	logger   *zap.SugaredLogger

	// limiter floors the probe rate no matter what delay the schedule
	// computes.
	limiter *rate.Limiter

	mu            sync.Mutex
	status        Status
	seq           uint64
	failures      int
	everConnected bool
	timer         *time.Timer
	stopped       bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithLogger sets the monitor's logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// WithOnChange registers a callback invoked after every applied probe
// result. It runs off the monitor's lock and never after Stop.
func WithOnChange(fn func(Status)) Option {
	return func(m *Monitor) { m.onChange = fn }
}

// WithProbe replaces the default probe implementation.
func WithProbe(probe ProbeFunc) Option {
	return func(m *Monitor) { m.probe = probe }
}

// NewMonitor creates a monitor over the given settings source. Call Start
// to begin probing.
func NewMonitor(loader settings.Loader, opts ...Option) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		loader:  loader,
		probe:   defaultProbe,
		logger:  zap.NewNop().Sugar(),
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		status:  Status{State: StateConnecting},
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start kicks off the first probe immediately.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.scheduleLocked(0)
}

// Stop cancels the pending timer and any in-flight probe, then waits for
// the probe goroutine to drain. No status change or callback happens after
// Stop returns.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	// Invalidate any in-flight probe so a late result is discarded.
	m.seq++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

// Status returns the current health snapshot.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusCopyLocked()
}

func (m *Monitor) statusCopyLocked() Status {
	s := m.status
	s.Models = append([]string(nil), m.status.Models...)
	return s
}

// CheckNow discards the pending schedule and probes immediately. Used when
// the user edits settings and wants instant feedback.
func (m *Monitor) CheckNow() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.scheduleLocked(0)
}

// scheduleLocked arms the probe timer, replacing any pending one. A new
// sequence number is issued so an in-flight probe's result is discarded.
func (m *Monitor) scheduleLocked(delay time.Duration) {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.seq++
	seq := m.seq
	m.timer = time.AfterFunc(delay, func() {
		// Register with the WaitGroup under the lock so Stop either sees
		// this probe and waits for it, or has already marked stopped.
		m.mu.Lock()
		if m.stopped || seq != m.seq {
			m.mu.Unlock()
			return
		}
		m.wg.Add(1)
		m.mu.Unlock()
		defer m.wg.Done()

		m.runProbe(seq)
	})
}

// runProbe executes one probe and applies its result, unless the sequence
// number went stale while it was in flight.
func (m *Monitor) runProbe(seq uint64) {
	// Floor the probe rate; bail out if stopped while throttled.
	if err := m.limiter.Wait(m.ctx); err != nil {
		return
	}

	s := m.loader.Load()

	ctx, cancel := context.WithTimeout(m.ctx, probeTimeout)
	models, err := m.probe(ctx, s)
	cancel()

	m.applyResult(seq, s.Provider, models, err)
}

// applyResult folds a probe outcome into the status and schedules the next
// probe. Stale results (sequence no longer current) are dropped whole.
func (m *Monitor) applyResult(seq uint64, provider settings.Provider, models []string, err error) {
	m.mu.Lock()

	if m.stopped || seq != m.seq {
		m.mu.Unlock()
		return
	}

	now := time.Now()
	var next time.Duration

	if err == nil {
		m.everConnected = true
		m.failures = 0
		m.status = Status{
			State:     StateConnected,
			Provider:  provider,
			Models:    models,
			CheckedAt: now,
		}
		if provider == settings.ProviderRemote {
			next = healthyIntervalRemote
		} else {
			next = healthyIntervalLocal
		}
	} else {
		state := StateDisconnected
		if m.everConnected {
			state = StateReconnecting
		}
		m.status = Status{
			State:     state,
			Provider:  provider,
			Models:    m.status.Models,
			Err:       err,
			CheckedAt: now,
		}
		next = backoffDelay(m.failures)
		m.failures++
	}

	m.scheduleLocked(next)
	snapshot := m.statusCopyLocked()
	onChange := m.onChange
	m.mu.Unlock()

	if err != nil {
		m.logger.Warnw("provider probe failed",
			"provider", provider,
			"state", snapshot.State.String(),
			"retry_in", next,
			"error", err)
	} else {
		m.logger.Debugw("provider probe ok",
			"provider", provider,
			"models", len(models),
			"next_check", next)
	}

	if onChange != nil {
		onChange(snapshot)
	}
}
