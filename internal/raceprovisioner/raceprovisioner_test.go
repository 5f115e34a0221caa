package raceprovisioner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/blacklist"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/provider"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/storage"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/pkg/models"
)

var _ provider.InstanceProvider = (*fakeInstanceProvider)(nil)

type fakeInstanceProvider struct {
	mu        sync.Mutex
	offers    []models.Offer
	instances map[string]*models.Instance
	nextID    int
	createErr map[string]error // offer_id -> error to return once
}

func newFakeInstanceProvider(offers []models.Offer) *fakeInstanceProvider {
	return &fakeInstanceProvider{
		offers:    offers,
		instances: make(map[string]*models.Instance),
		createErr: make(map[string]error),
	}
}

func (f *fakeInstanceProvider) Name() string { return "fake" }

func (f *fakeInstanceProvider) SearchOffers(ctx context.Context, filter models.OfferFilter) ([]models.Offer, error) {
	return f.offers, nil
}

func (f *fakeInstanceProvider) CreateInstance(ctx context.Context, req provider.CreateInstanceRequest) (*models.Instance, error) {
	return nil, nil
}

func (f *fakeInstanceProvider) CreateInstanceBid(ctx context.Context, req provider.CreateInstanceRequest, bidPerHour float64) (*models.Instance, error) {
	return nil, nil
}

func (f *fakeInstanceProvider) GetInstance(ctx context.Context, instanceID string) (*models.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[instanceID]
	if !ok {
		return nil, assert.AnError
	}
	cp := *inst
	return &cp, nil
}

func (f *fakeInstanceProvider) ListInstances(ctx context.Context) ([]*models.Instance, error) { return nil, nil }
func (f *fakeInstanceProvider) DestroyInstance(ctx context.Context, instanceID string) error  { return nil }
func (f *fakeInstanceProvider) PauseInstance(ctx context.Context, instanceID string) error     { return nil }
func (f *fakeInstanceProvider) ResumeInstance(ctx context.Context, instanceID string) error    { return nil }
func (f *fakeInstanceProvider) GetBalance(ctx context.Context) (float64, error)                { return 0, nil }

type fakeLifecycle struct {
	mu        sync.Mutex
	destroyed []string
}

func (f *fakeLifecycle) DestroyInstance(ctx context.Context, instanceID, reason string, source models.CallerSource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, instanceID)
	return nil
}

type fakeProber struct {
	mu       sync.Mutex
	succeeds map[string]bool // host -> probe outcome
}

func (f *fakeProber) ProbeOnce(ctx context.Context, host string, port int, user, privateKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.succeeds[host] {
		return nil
	}
	return assert.AnError
}

func testBlacklist(t *testing.T) *blacklist.Blacklist {
	t.Helper()
	db, err := storage.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { db.Close() })
	store := storage.NewHostBlacklistStore(db)
	return blacklist.New(store, time.Hour)
}

func TestFailure_Error(t *testing.T) {
	f := &Failure{RoundsAttempted: 4, GPUsTried: 15}
	assert.Contains(t, f.Error(), "4 rounds")
	assert.Contains(t, f.Error(), "15 GPUs")
}

func TestPolicy_WithDefaults(t *testing.T) {
	p := Policy{}.withDefaults()
	assert.Equal(t, 5, p.GPUsPerRound)
	assert.Equal(t, 4, p.MaxRounds)
	assert.Equal(t, 60*time.Second, p.TimeoutPerRound)
	assert.Equal(t, 2*time.Second, p.CheckInterval)
	assert.Equal(t, 200*time.Millisecond, p.IssueStagger)
	assert.Equal(t, 3, p.IssueRetries)
}

func TestPolicy_WithDefaults_PreservesSetFields(t *testing.T) {
	p := Policy{GPUsPerRound: 2, MaxRounds: 1}.withDefaults()
	assert.Equal(t, 2, p.GPUsPerRound)
	assert.Equal(t, 1, p.MaxRounds)
}

func TestRaceRound_EarliestProbeWins(t *testing.T) {
	bl := testBlacklist(t)

	instances := map[string]*models.Instance{
		"i-1": {InstanceID: "i-1", MachineID: "m-1", SSHHost: "host-1", SSHPort: 22, ActualStatus: models.ActualRunning},
		"i-2": {InstanceID: "i-2", MachineID: "m-2", SSHHost: "host-2", SSHPort: 22, ActualStatus: models.ActualRunning},
	}
	provider := &fakeInstanceProvider{instances: instances}
	prober := &fakeProber{succeeds: map[string]bool{"host-2": true}}
	p := New(provider, &fakeLifecycle{}, bl, prober, nil)

	candidates := []*candidate{
		{instance: instances["i-1"], startedAt: time.Now()},
		{instance: instances["i-2"], startedAt: time.Now()},
	}

	winner, _ := p.raceRound(context.Background(), candidates, Requirements{SSHUser: "root", SSHPrivateKey: "k"}, Policy{
		TimeoutPerRound: time.Second,
		CheckInterval:   10 * time.Millisecond,
	})

	require.NotNil(t, winner)
	assert.Equal(t, "i-2", winner.instance.InstanceID)
}

func TestRaceRound_NoWinnerWhenAllFail(t *testing.T) {
	bl := testBlacklist(t)
	instances := map[string]*models.Instance{
		"i-1": {InstanceID: "i-1", MachineID: "m-1", SSHHost: "host-1", SSHPort: 22, ActualStatus: models.ActualRunning},
	}
	provider := &fakeInstanceProvider{instances: instances}
	prober := &fakeProber{succeeds: map[string]bool{}}
	p := New(provider, &fakeLifecycle{}, bl, prober, nil)

	candidates := []*candidate{{instance: instances["i-1"], startedAt: time.Now()}}

	winner, _ := p.raceRound(context.Background(), candidates, Requirements{SSHUser: "root", SSHPrivateKey: "k"}, Policy{
		TimeoutPerRound: 50 * time.Millisecond,
		CheckInterval:   10 * time.Millisecond,
	})

	assert.Nil(t, winner)
}

func TestBlacklistNonResponders_SkipsWinner(t *testing.T) {
	bl := testBlacklist(t)
	p := New(&fakeInstanceProvider{}, &fakeLifecycle{}, bl, &fakeProber{}, nil)

	loser := &candidate{instance: &models.Instance{InstanceID: "i-1", MachineID: "m-loser"}, probeOK: false, probeErr: "timeout"}
	winner := &candidate{instance: &models.Instance{InstanceID: "i-2", MachineID: "m-winner"}, probeOK: true}

	p.blacklistNonResponders(context.Background(), []*candidate{loser, winner}, time.Now())

	_, blacklisted := bl.IsBlacklisted("m-loser")
	assert.True(t, blacklisted)
	_, blacklisted = bl.IsBlacklisted("m-winner")
	assert.False(t, blacklisted)
}

func TestCleanupLosers_DestroysEveryoneButWinner(t *testing.T) {
	bl := testBlacklist(t)
	lifecycle := &fakeLifecycle{}
	p := New(&fakeInstanceProvider{}, lifecycle, bl, &fakeProber{}, nil)

	loser := &candidate{instance: &models.Instance{InstanceID: "i-1"}}
	winner := &candidate{instance: &models.Instance{InstanceID: "i-2"}}

	p.cleanupLosers(context.Background(), "fo-1", []*candidate{loser, winner}, winner)

	assert.Equal(t, []string{"i-1"}, lifecycle.destroyed)
}

func TestCleanupLosers_NoWinnerDestroysAll(t *testing.T) {
	bl := testBlacklist(t)
	lifecycle := &fakeLifecycle{}
	p := New(&fakeInstanceProvider{}, lifecycle, bl, &fakeProber{}, nil)

	c1 := &candidate{instance: &models.Instance{InstanceID: "i-1"}}
	c2 := &candidate{instance: &models.Instance{InstanceID: "i-2"}}

	p.cleanupLosers(context.Background(), "fo-1", []*candidate{c1, c2}, nil)

	assert.ElementsMatch(t, []string{"i-1", "i-2"}, lifecycle.destroyed)
}
