// Package raceprovisioner implements fast GPU acquisition by issuing several
// speculative rentals in parallel and keeping the first one that answers an
// SSH probe. The marketplace is contended enough that a serially-probed
// offer is often gone by the time it's confirmed; racing candidates trades
// a little extra spend for a much shorter time-to-usable-GPU.
package raceprovisioner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/blacklist"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/errs"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/logging"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/metrics"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/provider"
	sshprobe "github.com/cloud-gpu-shopper/gpu-fleet-core/internal/resilience"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/pkg/models"
)

// Requirements describes what the caller needs provisioned.
type Requirements struct {
	MinGPURAMMB   int
	MaxPrice      float64
	DiskGB        int
	Image         string
	OnStartScript string
	SSHPublicKey  string
	SSHPrivateKey string
	SSHUser       string
	GeolocationMatch string
}

// Policy bounds the round structure. Zero fields fall back to defaults.
type Policy struct {
	GPUsPerRound     int
	TimeoutPerRound  time.Duration
	MaxRounds        int
	CheckInterval    time.Duration
	IssueStagger     time.Duration
	IssueRetries     int
}

func (p Policy) withDefaults() Policy {
	if p.GPUsPerRound <= 0 {
		p.GPUsPerRound = 5
	}
	if p.TimeoutPerRound <= 0 {
		p.TimeoutPerRound = 60 * time.Second
	}
	if p.MaxRounds <= 0 {
		p.MaxRounds = 4
	}
	if p.CheckInterval <= 0 {
		p.CheckInterval = 2 * time.Second
	}
	if p.IssueStagger <= 0 {
		p.IssueStagger = 200 * time.Millisecond
	}
	if p.IssueRetries <= 0 {
		p.IssueRetries = 3
	}
	return p
}

// Result is what ProvisionFast returns on success.
type Result struct {
	Instance        *models.Instance
	RoundsAttempted int
	GPUsTried       int
	WinnerLatency   time.Duration
}

// Failure is returned (wrapped) when max_rounds is exhausted without a winner.
type Failure struct {
	RoundsAttempted int
	GPUsTried       int
}

func (f *Failure) Error() string {
	return fmt.Sprintf("race provisioning exhausted after %d rounds, %d GPUs tried", f.RoundsAttempted, f.GPUsTried)
}

// LifecycleDestroyer is the only path the provisioner is allowed to use to
// tear down a losing or failed candidate — direct provider calls are
// forbidden everywhere outside the Lifecycle Controller.
type LifecycleDestroyer interface {
	DestroyInstance(ctx context.Context, instanceID, reason string, source models.CallerSource) error
}

// SSHProber performs a single-attempt readiness probe. ssh.Prober satisfies
// this; tests substitute a fake to avoid real network connections.
type SSHProber interface {
	ProbeOnce(ctx context.Context, host string, port int, user, privateKey string) error
}

// Provisioner races several speculative rentals per round and keeps the
// first one that answers an SSH probe.
type Provisioner struct {
	instances provider.InstanceProvider
	lifecycle LifecycleDestroyer
	blacklist *blacklist.Blacklist
	prober    SSHProber
	envelope  *sshprobe.Envelope
	now       func() time.Time
}

// New builds a Provisioner. envelope may be nil; when present, each issued
// candidate is journaled so a crash mid-round still leaves a cleanup trail.
func New(instances provider.InstanceProvider, lifecycle LifecycleDestroyer, bl *blacklist.Blacklist, prober SSHProber, envelope *sshprobe.Envelope) *Provisioner {
	return &Provisioner{
		instances: instances,
		lifecycle: lifecycle,
		blacklist: bl,
		prober:    prober,
		envelope:  envelope,
		now:       time.Now,
	}
}

type candidate struct {
	instance    *models.Instance
	startedAt   time.Time
	probeErr    string
	probed      bool
	probeOK     bool
	probeLatency time.Duration
}

// ProvisionFast implements §4.5's algorithm: per round, issue up to
// gpus_per_round*3 staggered speculative rentals, probe all candidates with
// usable SSH endpoints in parallel, and keep the first to answer. Losers are
// deleted (best effort, journaled); if a round produces no winner, every
// candidate that never answered is blacklisted before moving to the next
// round.
func (p *Provisioner) ProvisionFast(ctx context.Context, failoverID string, req Requirements, policy Policy) (*Result, error) {
	policy = policy.withDefaults()

	gpusTried := 0
	for round := 1; round <= policy.MaxRounds; round++ {
		logging.Info(ctx, "race round starting", "round", round, "failover_id", failoverID)

		offers, err := p.instances.SearchOffers(ctx, models.OfferFilter{
			MinGPURAMMB:     req.MinGPURAMMB,
			MaxPricePerHour: req.MaxPrice,
			GeolocationMatch: req.GeolocationMatch,
		})
		if err != nil {
			return nil, fmt.Errorf("search offers: %w", err)
		}
		offers = p.blacklist.Filter(offers)
		sort.Slice(offers, func(i, j int) bool { return offers[i].PricePerHour < offers[j].PricePerHour })

		issueCount := policy.GPUsPerRound * 3
		if issueCount > len(offers) {
			issueCount = len(offers)
		}
		if issueCount == 0 {
			logging.Warn(ctx, "no offers available for race round", "round", round)
			continue
		}

		candidates := p.issueCandidates(ctx, failoverID, offers[:issueCount], req, policy)
		gpusTried += len(candidates)
		metrics.RaceGPUsTriedHistogram.Observe(float64(len(candidates)))

		winner, roundStart := p.raceRound(ctx, candidates, req, policy)
		p.cleanupLosers(ctx, failoverID, candidates, winner)

		if winner != nil {
			metrics.RaceRoundsTotal.WithLabelValues("won").Inc()
			latency := winner.probeLatency
			metrics.RaceWinnerLatency.Observe(latency.Seconds())
			return &Result{
				Instance:        winner.instance,
				RoundsAttempted: round,
				GPUsTried:       gpusTried,
				WinnerLatency:   latency,
			}, nil
		}

		metrics.RaceRoundsTotal.WithLabelValues("lost").Inc()
		p.blacklistNonResponders(ctx, candidates, roundStart)
	}

	return nil, &Failure{RoundsAttempted: policy.MaxRounds, GPUsTried: gpusTried}
}

// issueCandidates stagger-issues rental requests at IssueStagger intervals,
// retrying HTTP 429 with exponential backoff up to IssueRetries attempts.
// Any other error drops that offer permanently for this round.
func (p *Provisioner) issueCandidates(ctx context.Context, failoverID string, offers []models.Offer, req Requirements, policy Policy) []*candidate {
	var (
		mu    sync.Mutex
		out   []*candidate
		wg    sync.WaitGroup
	)

	for i, offer := range offers {
		wg.Add(1)
		go func(i int, offer models.Offer) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(i) * policy.IssueStagger):
			}

			inst, err := p.createWithRetry(ctx, offer, req, policy.IssueRetries)
			if err != nil {
				logging.Warn(ctx, "candidate creation failed", "offer_id", offer.OfferID, "error", err)
				return
			}

			if p.envelope != nil {
				p.envelope.Journal().Record(failoverID, inst.InstanceID, "instance")
			}

			mu.Lock()
			out = append(out, &candidate{instance: inst, startedAt: p.now()})
			mu.Unlock()
		}(i, offer)
	}
	wg.Wait()
	return out
}

func (p *Provisioner) createWithRetry(ctx context.Context, offer models.Offer, req Requirements, maxRetries int) (*models.Instance, error) {
	createReq := provider.CreateInstanceRequest{
		OfferID:      offer.OfferID,
		SSHPublicKey: req.SSHPublicKey,
		DiskGB:       req.DiskGB,
		OnStartCmd:   req.OnStartScript,
	}

	if maxRetries < 1 {
		maxRetries = 1
	}
	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		inst, err := p.instances.CreateInstance(ctx, createReq)
		if err == nil {
			return inst, nil
		}
		lastErr = err
		if !isRateLimited(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

// raceRound refreshes SSH endpoints and probes candidates in parallel until
// one succeeds or TimeoutPerRound elapses. Ties within the same probe cycle
// are broken by earliest provision start time.
func (p *Provisioner) raceRound(ctx context.Context, candidates []*candidate, req Requirements, policy Policy) (*candidate, time.Time) {
	roundStart := p.now()
	roundCtx, cancel := context.WithTimeout(ctx, policy.TimeoutPerRound)
	defer cancel()

	winnerCh := make(chan *candidate, len(candidates))
	var attempted sync.Map // instance_id -> struct{}

	ticker := time.NewTicker(policy.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-roundCtx.Done():
			return drainFirst(winnerCh), roundStart
		case winner := <-winnerCh:
			return winner, roundStart
		case <-ticker.C:
			g, gctx := errgroup.WithContext(roundCtx)
			for _, c := range candidates {
				c := c
				if c.probeOK || c.probed && c.instance.ActualStatus == models.ActualFailed {
					continue
				}

				refreshed, err := p.instances.GetInstance(roundCtx, c.instance.InstanceID)
				if err != nil {
					continue
				}
				c.instance = refreshed

				if refreshed.ActualStatus == models.ActualFailed {
					c.probed = true
					c.probeErr = "actual_status=failed"
					continue
				}
				if !refreshed.HasSSH() {
					continue
				}
				if _, already := attempted.LoadOrStore(c.instance.InstanceID, struct{}{}); already {
					continue
				}

				g.Go(func() error {
					start := p.now()
					err := p.prober.ProbeOnce(gctx, c.instance.SSHHost, c.instance.SSHPort, req.SSHUser, req.SSHPrivateKey)
					c.probed = true
					c.probeLatency = p.now().Sub(start)
					if err == nil {
						c.probeOK = true
						select {
						case winnerCh <- c:
						default:
						}
					} else {
						c.probeErr = err.Error()
					}
					return nil
				})
			}
			g.Wait()

			var winner *candidate
		drain:
			for {
				select {
				case c := <-winnerCh:
					if winner == nil || c.startedAt.Before(winner.startedAt) {
						winner = c
					}
				default:
					break drain
				}
			}
			if winner != nil {
				return winner, roundStart
			}
		}
	}
}

func drainFirst(ch chan *candidate) *candidate {
	select {
	case c := <-ch:
		return c
	default:
		return nil
	}
}

// cleanupLosers deletes every candidate that wasn't the winner, best effort,
// journaling the outcome for the resilience envelope's commit/rollback.
func (p *Provisioner) cleanupLosers(ctx context.Context, failoverID string, candidates []*candidate, winner *candidate) {
	for _, c := range candidates {
		if winner != nil && c == winner {
			continue
		}
		if err := p.lifecycle.DestroyInstance(ctx, c.instance.InstanceID, "race_provisioner_loser", models.SourceSystem); err != nil {
			logging.Warn(ctx, "failed to destroy losing candidate", "instance_id", c.instance.InstanceID, "error", err)
		}
	}

	if p.envelope != nil {
		keep := func(resourceID string) bool {
			return winner != nil && winner.instance.InstanceID == resourceID
		}
		p.envelope.Commit(ctx, failoverID, keep)
	}
}

// blacklistNonResponders suppresses every candidate whose SSH probe never
// succeeded, recording the failure signature and elapsed time in the reason.
func (p *Provisioner) blacklistNonResponders(ctx context.Context, candidates []*candidate, roundStart time.Time) {
	for _, c := range candidates {
		if c.probeOK {
			continue
		}
		elapsed := p.now().Sub(roundStart)
		reason := fmt.Sprintf("race_probe_failed: %s (after %s)", c.probeErr, elapsed.Round(time.Second))
		if err := p.blacklist.Add(ctx, c.instance.MachineID, reason, 6*time.Hour, p.now()); err != nil {
			logging.Warn(ctx, "failed to blacklist non-responding candidate", "machine_id", c.instance.MachineID, "error", err)
		}
	}
}

func isRateLimited(err error) bool {
	return errors.Is(err, errs.ErrRateLimited)
}
