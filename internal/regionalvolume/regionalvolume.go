// Package regionalvolume implements Regional Volume Failover: when a host
// dies outright and warm pool has nothing to promote, a persistent volume
// pinned to a region is reattached to a freshly rented GPU in that region.
package regionalvolume

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/lifecycle"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/logging"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/metrics"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/provider"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/pkg/models"
)

// mountScriptTemplate is the onstart command template that creates the mount
// point for the reattached volume. Readiness is judged by the instance
// reaching running status, not by this command finishing.
const mountScriptTemplate = "mkdir -p /mnt/%s"

// Result is returned on a successful volume reattachment.
type Result struct {
	NewInstanceID string
	NewSSHHost    string
	NewSSHPort    int
	Duration      time.Duration
}

// Failover reattaches a persistent volume to a freshly rented GPU in its
// pinned region.
type Failover struct {
	instances provider.InstanceProvider
	lifecycle *lifecycle.Controller
	now       func() time.Time
}

// New builds a Failover.
func New(instances provider.InstanceProvider, lc *lifecycle.Controller) *Failover {
	return &Failover{instances: instances, lifecycle: lc, now: time.Now}
}

// Run implements failover(volume_id, region, policy) per §4.7: search
// region-matching offers, rent a replacement attaching the volume, wait for
// running, and optionally destroy the old instance.
func (f *Failover) Run(ctx context.Context, volumeID, oldInstanceID string, policy models.RegionalVolumeConfig, sshPublicKey string) (*Result, error) {
	start := f.now()

	offers, err := f.instances.SearchOffers(ctx, models.OfferFilter{
		MinReliability:   policy.MinReliability,
		GeolocationMatch: policy.Region,
	})
	if err != nil {
		metrics.RegionalVolumeOffersScanned.Observe(0)
		return nil, fmt.Errorf("search offers in region %q: %w", policy.Region, err)
	}
	metrics.RegionalVolumeOffersScanned.Observe(float64(len(offers)))

	candidates := rankOffers(offers, policy)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no offers available in region %q", policy.Region)
	}
	chosen := candidates[0]

	timeout := time.Duration(policy.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inst, err := f.lifecycle.CreateInstance(runCtx, provider.CreateInstanceRequest{
		OfferID:      chosen.OfferID,
		SSHPublicKey: sshPublicKey,
		OnStartCmd:   fmt.Sprintf(mountScriptTemplate, volumeID),
		RegionHint:   policy.Region,
	}, "regional volume failover reattachment", models.SourceRegionalVolume)
	if err != nil {
		return nil, fmt.Errorf("rent replacement in region %q: %w", policy.Region, err)
	}

	inst, err = f.waitUntilRunning(runCtx, inst.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("wait for replacement to run: %w", err)
	}

	if policy.DestroyOld && oldInstanceID != "" {
		if err := f.lifecycle.DestroyInstance(ctx, oldInstanceID, "regional volume failover: replaced", models.SourceRegionalVolume); err != nil {
			logging.Warn(ctx, "failed to destroy old instance after regional volume failover", "instance_id", oldInstanceID, "error", err)
		}
	}

	duration := f.now().Sub(start)
	metrics.RegionalVolumeFailoverDuration.Observe(duration.Seconds())
	logging.Audit(ctx, "regional_volume_failover", "volume_id", volumeID, "new_instance_id", inst.InstanceID, "region", policy.Region, "duration_ms", duration.Milliseconds())

	return &Result{
		NewInstanceID: inst.InstanceID,
		NewSSHHost:    inst.SSHHost,
		NewSSHPort:    inst.SSHPort,
		Duration:      duration,
	}, nil
}

func (f *Failover) waitUntilRunning(ctx context.Context, instanceID string) (*models.Instance, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		inst, err := f.instances.GetInstance(ctx, instanceID)
		if err == nil && inst.ActualStatus == models.ActualRunning {
			return inst, nil
		}
		if err == nil && inst.ActualStatus == models.ActualFailed {
			return nil, fmt.Errorf("replacement instance %s failed to start", instanceID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// rankOffers does no filtering (region and reliability are applied upstream
// by SearchOffers); it orders by preferred-GPU rank first, price ascending
// second.
func rankOffers(offers []models.Offer, policy models.RegionalVolumeConfig) []models.Offer {
	preference := make(map[string]int, len(policy.PreferredGPUs))
	for i, gpu := range policy.PreferredGPUs {
		preference[strings.ToLower(gpu)] = i
	}

	ranked := make([]models.Offer, len(offers))
	copy(ranked, offers)

	sort.SliceStable(ranked, func(i, j int) bool {
		ri, oki := preference[strings.ToLower(ranked[i].GPUName)]
		rj, okj := preference[strings.ToLower(ranked[j].GPUName)]
		switch {
		case oki && okj && ri != rj:
			return ri < rj
		case oki != okj:
			return oki
		default:
			return ranked[i].PricePerHour < ranked[j].PricePerHour
		}
	})
	return ranked
}
