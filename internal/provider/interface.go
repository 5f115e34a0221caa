// Package provider defines the marketplace-facing boundary the core depends
// on. The core never imports a vendor SDK directly; a concrete adapter
// package implements these interfaces and is wired in at the composition
// root.
package provider

import (
	"context"
	"time"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/pkg/models"
)

// InstanceProvider is the marketplace API surface the core needs to rent,
// inspect, and tear down GPU instances.
type InstanceProvider interface {
	// Name returns the provider identifier, used for metrics labels and logs.
	Name() string

	// SearchOffers returns currently available offers matching filter.
	SearchOffers(ctx context.Context, filter models.OfferFilter) ([]models.Offer, error)

	// CreateInstance rents an on-demand or interruptible offer.
	CreateInstance(ctx context.Context, req CreateInstanceRequest) (*models.Instance, error)

	// CreateInstanceBid places a bid-priced rental (spot-style pricing).
	CreateInstanceBid(ctx context.Context, req CreateInstanceRequest, bidPerHour float64) (*models.Instance, error)

	// GetInstance returns the current provider-observed state of an instance.
	GetInstance(ctx context.Context, instanceID string) (*models.Instance, error)

	// ListInstances returns all instances under our account.
	ListInstances(ctx context.Context) ([]*models.Instance, error)

	// DestroyInstance tears down an instance. Idempotent: destroying an
	// already-gone instance is not an error.
	DestroyInstance(ctx context.Context, instanceID string) error

	// PauseInstance stops billing for compute while preserving disk state.
	PauseInstance(ctx context.Context, instanceID string) error

	// ResumeInstance brings a paused instance back to running.
	ResumeInstance(ctx context.Context, instanceID string) error

	// GetBalance returns the account's available funds, for pre-flight checks.
	GetBalance(ctx context.Context) (float64, error)
}

// StandbyProvider is the CPU-standby marketplace surface. No package in this
// module implements or calls it; the cpu_standby strategy and Regional
// Volume Failover both work through InstanceProvider.
type StandbyProvider interface {
	Provision(ctx context.Context, req CreateInstanceRequest) (*models.Instance, error)
	ListInstances(ctx context.Context) ([]*models.Instance, error)
	DestroyInstance(ctx context.Context, instanceID string) error
	GetSpotPricing(ctx context.Context, region, machineType string) (float64, error)
}

// BlobStore is the content-addressed object storage surface used by the
// Snapshot & Restore Engine. Concrete adapters speak S3, B2, or R2.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// CreateInstanceRequest describes a rental request, independent of which
// marketplace fulfills it.
type CreateInstanceRequest struct {
	OfferID      string
	Label        string
	SSHPublicKey string
	DiskGB       int
	OnStartCmd   string
	EnvVars      map[string]string
	RegionHint   string
}

// InstanceStatus is a point-in-time snapshot of provider-observed state,
// used by health probes that don't need the full Instance record.
type InstanceStatus struct {
	Running   bool
	SSHHost   string
	SSHPort   int
	StartedAt time.Time
	Error     string
}
