// Package resilience bundles the rate limiter, circuit breaker, cleanup
// journal, and audit log that gate every failover attempt. A single
// Envelope is constructed at the composition root and passed explicitly to
// the Failover Orchestrator and its strategies; nothing here is a process
// singleton.
package resilience

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/errs"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/logging"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/metrics"
)

// Config configures the Envelope's rate limiter and circuit breakers.
type Config struct {
	RateLimitPerMachine int
	RateLimitWindow     time.Duration
	CircuitBreaker      CircuitBreakerConfig
	AuditCapacity       int
}

// Envelope is the resilience gate every failover attempt passes through.
type Envelope struct {
	cfg Config

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	breakersMu sync.Mutex
	breakers   map[string]*circuitBreaker

	journal *CleanupJournal
	audit   *AuditLog
}

// New builds an Envelope from cfg.
func New(cfg Config) *Envelope {
	return &Envelope{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*circuitBreaker),
		journal:  newCleanupJournal(cfg.AuditCapacity),
		audit:    newAuditLog(cfg.AuditCapacity),
	}
}

// limiterFor returns (creating if absent) the token-bucket limiter for a
// machine: a burst of RateLimitPerMachine tokens, refilled one token every
// RateLimitWindow/RateLimitPerMachine.
func (e *Envelope) limiterFor(machineID string) *rate.Limiter {
	e.limitersMu.Lock()
	defer e.limitersMu.Unlock()

	if l, ok := e.limiters[machineID]; ok {
		return l
	}
	every := rate.Every(e.cfg.RateLimitWindow / time.Duration(maxInt(e.cfg.RateLimitPerMachine, 1)))
	l := rate.NewLimiter(every, e.cfg.RateLimitPerMachine)
	e.limiters[machineID] = l
	return l
}

func (e *Envelope) breakerFor(strategy string) *circuitBreaker {
	e.breakersMu.Lock()
	defer e.breakersMu.Unlock()

	if b, ok := e.breakers[strategy]; ok {
		return b
	}
	b := newCircuitBreaker(strategy, e.cfg.CircuitBreaker)
	e.breakers[strategy] = b
	return b
}

// CheckAdmission reports whether machineID currently has rate-limiter
// budget, without consuming any of it. Call this once, up front, before
// attempting a failover's strategies.
func (e *Envelope) CheckAdmission(ctx context.Context, machineID string) error {
	l := e.limiterFor(machineID)
	reservation := l.Reserve()
	ok := reservation.OK() && reservation.Delay() == 0
	retryAfter := reservation.Delay()
	reservation.Cancel()

	metrics.RecordRateLimiterDecision(machineID, ok)
	if !ok {
		return &errs.RateLimitedError{RetryAfter: retryAfter, Scope: machineID}
	}
	return nil
}

// RecordAdmission consumes one rate-limiter token for machineID. Admissions
// are only counted on success: call this after a failover's strategy has
// succeeded, never speculatively, so that a machine whose strategies are
// all failing for unrelated reasons doesn't also burn down its rate-limit
// budget and lock out future recovery attempts.
func (e *Envelope) RecordAdmission(machineID string) {
	e.limiterFor(machineID).Allow()
}

// AllowStrategy reports whether strategy's circuit breaker permits an
// attempt, returning a CircuitOpenError naming the next retry time if not.
func (e *Envelope) AllowStrategy(strategy string) error {
	b := e.breakerFor(strategy)
	if !b.allow() {
		return &errs.CircuitOpenError{Strategy: strategy, ReopenAt: b.reopenAt()}
	}
	return nil
}

// RecordStrategyResult feeds a strategy attempt's outcome back into its
// circuit breaker.
func (e *Envelope) RecordStrategyResult(strategy string, success bool) {
	b := e.breakerFor(strategy)
	if success {
		b.recordSuccess()
	} else {
		b.recordFailure()
	}
}

// StrategyBackoff returns the current backoff a caller should wait before
// retrying strategy, informed by its breaker's consecutive-open count.
func (e *Envelope) StrategyBackoff(strategy string) time.Duration {
	return e.breakerFor(strategy).backoff()
}

// Journal exposes the cleanup journal for provisional-resource tracking.
func (e *Envelope) Journal() *CleanupJournal { return e.journal }

// Audit exposes the append-only resilience audit log.
func (e *Envelope) Audit() *AuditLog { return e.audit }

// Commit finalizes a failover attempt's journal entries: resources keep
// accepts are dropped as committed, and every other entry is recorded as
// rolled_back in the audit log and logged. Commit deletes nothing itself;
// the Race Provisioner destroys its losing candidates before committing.
func (e *Envelope) Commit(ctx context.Context, failoverID string, keep func(resourceID string) bool) {
	rolledBack := e.journal.Resolve(failoverID, keep)
	for _, r := range rolledBack {
		e.audit.Record(AuditEntry{
			FailoverID: failoverID,
			ResourceID: r.ResourceID,
			Kind:       r.Kind,
			Action:     "rolled_back",
			At:         time.Now().UTC(),
		})
		logging.Audit(ctx, "cleanup_journal_rollback",
			"failover_id", failoverID, "resource_id", r.ResourceID, "kind", r.Kind)
		metrics.CleanupJournalEntries.WithLabelValues("rolled_back").Inc()
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
