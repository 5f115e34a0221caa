// Package blacklist implements the Host Blacklist: a bounded-TTL deny-list
// that keeps the Race Provisioner and Regional Volume Failover from
// re-selecting a physical host that just failed an SSH probe or provisioning
// attempt.
package blacklist

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/metrics"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/storage"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/pkg/models"
)

// Blacklist suppresses hosts from offer selection for a bounded period.
// The in-memory cache is the hot path; the backing store only exists so
// entries survive a restart.
type Blacklist struct {
	cache *gocache.Cache
	store *storage.HostBlacklistStore
}

// New creates a Blacklist whose cache entries expire on their own schedule
// (go-cache's native per-item TTL) and are swept every cleanupInterval.
func New(store *storage.HostBlacklistStore, cleanupInterval time.Duration) *Blacklist {
	return &Blacklist{
		cache: gocache.New(gocache.NoExpiration, cleanupInterval),
		store: store,
	}
}

// Warm rehydrates the in-memory cache from the backing store, for use at
// startup so a restart doesn't silently forget recent blacklist entries.
func (b *Blacklist) Warm(ctx context.Context, now time.Time) error {
	entries, err := b.store.ListActive(ctx, now)
	if err != nil {
		return err
	}
	for _, e := range entries {
		ttl := e.ExpiresAt.Sub(now)
		if ttl <= 0 {
			continue
		}
		b.cache.Set(e.MachineID, e.Reason, ttl)
	}
	metrics.BlacklistSize.Set(float64(b.cache.ItemCount()))
	return nil
}

// Add suppresses machineID from offer selection for ttl, persisting the
// entry so it survives a restart.
func (b *Blacklist) Add(ctx context.Context, machineID, reason string, ttl time.Duration, now time.Time) error {
	b.cache.Set(machineID, reason, ttl)
	metrics.BlacklistEntries.WithLabelValues(reason).Inc()
	metrics.BlacklistSize.Set(float64(b.cache.ItemCount()))

	entry := &models.HostBlacklistEntry{
		MachineID: machineID,
		Reason:    reason,
		ExpiresAt: now.Add(ttl),
	}
	return b.store.Upsert(ctx, entry)
}

// IsBlacklisted reports whether machineID is currently suppressed, and if
// so, why.
func (b *Blacklist) IsBlacklisted(machineID string) (reason string, blacklisted bool) {
	v, found := b.cache.Get(machineID)
	if !found {
		return "", false
	}
	return v.(string), true
}

// Filter removes blacklisted machines from a set of offers.
func (b *Blacklist) Filter(offers []models.Offer) []models.Offer {
	filtered := offers[:0:0]
	for _, o := range offers {
		if _, blacklisted := b.IsBlacklisted(o.MachineID); !blacklisted {
			filtered = append(filtered, o)
		}
	}
	return filtered
}

// CleanupExpired prunes expired rows from the backing store. The in-memory
// cache expires entries on its own; this only bounds the persisted table.
func (b *Blacklist) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	return b.store.CleanupExpired(ctx, now)
}
