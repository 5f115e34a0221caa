package warmpool

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/lifecycle"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/provider"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/storage"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/pkg/models"
)

type fakeProvider struct {
	provider.InstanceProvider
	mu        sync.Mutex
	instances map[string]*models.Instance
	nextID    int
}

func (f *fakeProvider) CreateInstance(ctx context.Context, req provider.CreateInstanceRequest) (*models.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := req.OfferID + "-inst"
	inst := &models.Instance{InstanceID: id, OfferID: req.OfferID, ActualStatus: models.ActualRunning, SSHHost: "host-" + id, SSHPort: 22}
	f.instances[id] = inst
	return inst, nil
}

func (f *fakeProvider) GetInstance(ctx context.Context, instanceID string) (*models.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[instanceID]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *inst
	return &cp, nil
}

func (f *fakeProvider) DestroyInstance(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[instanceID]; ok {
		inst.ActualStatus = models.ActualDestroyed
	}
	return nil
}

func (f *fakeProvider) PauseInstance(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[instanceID]; ok {
		inst.ActualStatus = models.ActualStopped
	}
	return nil
}

func (f *fakeProvider) ResumeInstance(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[instanceID]; ok {
		inst.ActualStatus = models.ActualRunning
	}
	return nil
}

type fakeProber struct {
	fail map[string]bool
}

func (f *fakeProber) ProbeOnce(ctx context.Context, host string, port int, user, privateKey string) error {
	if f.fail[host] {
		return errors.New("probe failed")
	}
	return nil
}

func testManager(t *testing.T, p *fakeProvider, prober HealthProber) *Manager {
	t.Helper()
	db, err := storage.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { db.Close() })
	lc := lifecycle.New(p, storage.NewLifecycleEventStore(db))
	return New(lc, p, prober, Config{})
}

func hostOffers(machineID string) HostOffers {
	return HostOffers{
		MachineID: machineID,
		Primary:   models.Offer{OfferID: "primary-offer", MachineID: machineID},
		Standby:   models.Offer{OfferID: "standby-offer", MachineID: machineID},
	}
}

func TestProvision_CreatesPairAndPausesStandby(t *testing.T) {
	p := &fakeProvider{instances: map[string]*models.Instance{}}
	m := testManager(t, p, &fakeProber{})

	pool, err := m.Provision(context.Background(), hostOffers("m-1"), "ssh-pub-key", "vol-1")
	require.NoError(t, err)
	assert.Equal(t, models.WarmPoolActive, pool.State)

	primary, err := p.GetInstance(context.Background(), pool.PrimaryID)
	require.NoError(t, err)
	assert.Equal(t, models.ActualRunning, primary.ActualStatus)

	standby, err := p.GetInstance(context.Background(), pool.StandbyID)
	require.NoError(t, err)
	assert.Equal(t, models.ActualStopped, standby.ActualStatus)
}

func TestProvision_RefusesDuplicateActivePool(t *testing.T) {
	p := &fakeProvider{instances: map[string]*models.Instance{}}
	m := testManager(t, p, &fakeProber{})

	_, err := m.Provision(context.Background(), hostOffers("m-1"), "key", "vol-1")
	require.NoError(t, err)

	_, err = m.Provision(context.Background(), hostOffers("m-1"), "key", "vol-1")
	assert.Error(t, err)
}

func TestCheckOnce_TripsAtFailThreshold(t *testing.T) {
	p := &fakeProvider{instances: map[string]*models.Instance{}}
	prober := &fakeProber{fail: map[string]bool{}}
	m := testManager(t, p, prober)
	m.cfg.FailThreshold = 2

	pool, err := m.Provision(context.Background(), hostOffers("m-1"), "key", "vol-1")
	require.NoError(t, err)
	prober.fail["host-"+pool.PrimaryID] = true

	shouldFailover, err := m.CheckOnce(context.Background(), "m-1", "root", "k")
	require.NoError(t, err)
	assert.False(t, shouldFailover)

	shouldFailover, err = m.CheckOnce(context.Background(), "m-1", "root", "k")
	require.NoError(t, err)
	assert.True(t, shouldFailover)
}

func TestCheckOnce_ResetsOnSuccess(t *testing.T) {
	p := &fakeProvider{instances: map[string]*models.Instance{}}
	prober := &fakeProber{fail: map[string]bool{}}
	m := testManager(t, p, prober)
	m.cfg.FailThreshold = 2

	pool, err := m.Provision(context.Background(), hostOffers("m-1"), "key", "vol-1")
	require.NoError(t, err)

	prober.fail["host-"+pool.PrimaryID] = true
	_, _ = m.CheckOnce(context.Background(), "m-1", "root", "k")

	prober.fail["host-"+pool.PrimaryID] = false
	shouldFailover, err := m.CheckOnce(context.Background(), "m-1", "root", "k")
	require.NoError(t, err)
	assert.False(t, shouldFailover)

	current, _ := m.Get("m-1")
	assert.Equal(t, 0, current.ConsecutiveFails)
}

func TestFailover_PromotesStandby(t *testing.T) {
	p := &fakeProvider{instances: map[string]*models.Instance{}}
	m := testManager(t, p, &fakeProber{})

	pool, err := m.Provision(context.Background(), hostOffers("m-1"), "key", "vol-1")
	require.NoError(t, err)
	oldPrimary, oldStandby := pool.PrimaryID, pool.StandbyID

	updated, err := m.Failover(context.Background(), "m-1", "root", "k")
	require.NoError(t, err)

	assert.Equal(t, models.WarmPoolActive, updated.State)
	assert.Equal(t, oldStandby, updated.PrimaryID)
	assert.Empty(t, updated.StandbyID)

	destroyed, err := p.GetInstance(context.Background(), oldPrimary)
	require.NoError(t, err)
	assert.Equal(t, models.ActualDestroyed, destroyed.ActualStatus)

	promoted, err := p.GetInstance(context.Background(), oldStandby)
	require.NoError(t, err)
	assert.Equal(t, models.ActualRunning, promoted.ActualStatus)
}
