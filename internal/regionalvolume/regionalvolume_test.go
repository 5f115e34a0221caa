package regionalvolume

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/lifecycle"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/provider"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/storage"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/pkg/models"
)

func TestRankOffers_PrefersConfiguredGPUThenPrice(t *testing.T) {
	offers := []models.Offer{
		{OfferID: "o-1", GPUName: "RTX 4090", PricePerHour: 0.5},
		{OfferID: "o-2", GPUName: "A100", PricePerHour: 1.2},
		{OfferID: "o-3", GPUName: "A100", PricePerHour: 0.9},
	}
	ranked := rankOffers(offers, models.RegionalVolumeConfig{PreferredGPUs: []string{"A100"}})

	require.Len(t, ranked, 3)
	assert.Equal(t, "o-3", ranked[0].OfferID)
	assert.Equal(t, "o-2", ranked[1].OfferID)
	assert.Equal(t, "o-1", ranked[2].OfferID)
}

func TestRankOffers_NoPreferenceSortsByPrice(t *testing.T) {
	offers := []models.Offer{
		{OfferID: "o-1", PricePerHour: 2.0},
		{OfferID: "o-2", PricePerHour: 0.5},
	}
	ranked := rankOffers(offers, models.RegionalVolumeConfig{})
	assert.Equal(t, "o-2", ranked[0].OfferID)
}

type fakeProvider struct {
	provider.InstanceProvider
	offers    []models.Offer
	instances map[string]*models.Instance
	searchErr error
}

func (f *fakeProvider) SearchOffers(ctx context.Context, filter models.OfferFilter) ([]models.Offer, error) {
	return f.offers, f.searchErr
}

func (f *fakeProvider) CreateInstance(ctx context.Context, req provider.CreateInstanceRequest) (*models.Instance, error) {
	inst := &models.Instance{InstanceID: "new-inst", OfferID: req.OfferID, ActualStatus: models.ActualRunning, SSHHost: "new-host", SSHPort: 22}
	f.instances[inst.InstanceID] = inst
	return inst, nil
}

func (f *fakeProvider) GetInstance(ctx context.Context, instanceID string) (*models.Instance, error) {
	inst, ok := f.instances[instanceID]
	if !ok {
		return nil, errors.New("not found")
	}
	return inst, nil
}

func (f *fakeProvider) DestroyInstance(ctx context.Context, instanceID string) error {
	if inst, ok := f.instances[instanceID]; ok {
		inst.ActualStatus = models.ActualDestroyed
	}
	return nil
}

func testController(t *testing.T, p provider.InstanceProvider) *lifecycle.Controller {
	t.Helper()
	db, err := storage.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { db.Close() })
	return lifecycle.New(p, storage.NewLifecycleEventStore(db))
}

func TestRun_NoOffersInRegionFails(t *testing.T) {
	p := &fakeProvider{instances: map[string]*models.Instance{}}
	lc := testController(t, p)
	f := New(p, lc)

	_, err := f.Run(context.Background(), "vol-1", "old-inst", models.RegionalVolumeConfig{Region: "us-east"}, "key")
	assert.Error(t, err)
}

func TestRun_Success(t *testing.T) {
	p := &fakeProvider{
		offers:    []models.Offer{{OfferID: "o-1", GPUName: "A100", PricePerHour: 1.0}},
		instances: map[string]*models.Instance{"old-inst": {InstanceID: "old-inst", ActualStatus: models.ActualRunning}},
	}
	lc := testController(t, p)
	f := New(p, lc)

	result, err := f.Run(context.Background(), "vol-1", "old-inst", models.RegionalVolumeConfig{
		Region:     "us-east",
		DestroyOld: true,
		TimeoutS:   5,
	}, "key")

	require.NoError(t, err)
	assert.Equal(t, "new-inst", result.NewInstanceID)
	assert.Equal(t, "new-host", result.NewSSHHost)

	old, err := p.GetInstance(context.Background(), "old-inst")
	require.NoError(t, err)
	assert.Equal(t, models.ActualDestroyed, old.ActualStatus)
}

func TestRun_KeepsOldWhenNotConfigured(t *testing.T) {
	p := &fakeProvider{
		offers:    []models.Offer{{OfferID: "o-1", GPUName: "A100", PricePerHour: 1.0}},
		instances: map[string]*models.Instance{"old-inst": {InstanceID: "old-inst", ActualStatus: models.ActualRunning}},
	}
	lc := testController(t, p)
	f := New(p, lc)

	_, err := f.Run(context.Background(), "vol-1", "old-inst", models.RegionalVolumeConfig{Region: "us-east"}, "key")
	require.NoError(t, err)

	old, err := p.GetInstance(context.Background(), "old-inst")
	require.NoError(t, err)
	assert.Equal(t, models.ActualRunning, old.ActualStatus)
}
