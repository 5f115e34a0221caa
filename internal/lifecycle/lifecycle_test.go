package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/provider"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/storage"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/pkg/models"
)

type fakeProvider struct {
	provider.InstanceProvider
	instances map[string]*models.Instance
	destroyErr error
	pauseErr   error
	resumeErr  error
	createErr  error
	createResult *models.Instance
}

func (f *fakeProvider) GetInstance(ctx context.Context, instanceID string) (*models.Instance, error) {
	inst, ok := f.instances[instanceID]
	if !ok {
		return nil, errors.New("not found")
	}
	return inst, nil
}

func (f *fakeProvider) DestroyInstance(ctx context.Context, instanceID string) error { return f.destroyErr }
func (f *fakeProvider) PauseInstance(ctx context.Context, instanceID string) error   { return f.pauseErr }
func (f *fakeProvider) ResumeInstance(ctx context.Context, instanceID string) error  { return f.resumeErr }
func (f *fakeProvider) CreateInstance(ctx context.Context, req provider.CreateInstanceRequest) (*models.Instance, error) {
	return f.createResult, f.createErr
}

func testController(t *testing.T, p *fakeProvider) *Controller {
	t.Helper()
	db, err := storage.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { db.Close() })
	return New(p, storage.NewLifecycleEventStore(db))
}

func TestDestroyInstance_RequiresReason(t *testing.T) {
	c := testController(t, &fakeProvider{instances: map[string]*models.Instance{}})
	err := c.DestroyInstance(context.Background(), "i-1", "", models.SourceSystem)
	assert.Error(t, err)
}

func TestDestroyInstance_AppendsEventAndPropagatesError(t *testing.T) {
	boom := errors.New("provider boom")
	p := &fakeProvider{
		instances:  map[string]*models.Instance{"i-1": {InstanceID: "i-1", ActualStatus: models.ActualRunning}},
		destroyErr: boom,
	}
	c := testController(t, p)

	err := c.DestroyInstance(context.Background(), "i-1", "race_provisioner_loser", models.SourceSystem)
	require.ErrorIs(t, err, boom)

	history, err := c.History(context.Background(), "i-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	assert.Equal(t, "race_provisioner_loser", history[0].Reason)
	assert.Equal(t, boom.Error(), history[0].ReasonDetails)
	assert.NotEmpty(t, history[0].CallerSite.Function)
}

func TestDestroyInstance_Success(t *testing.T) {
	p := &fakeProvider{
		instances: map[string]*models.Instance{"i-1": {InstanceID: "i-1", ActualStatus: models.ActualRunning}},
	}
	c := testController(t, p)

	require.NoError(t, c.DestroyInstance(context.Background(), "i-1", "test cleanup", models.SourceSystem))

	history, err := c.History(context.Background(), "i-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)
	assert.Equal(t, models.ActualDestroyed, history[0].NewStatus)
}

func TestPauseInstance_RequiresReason(t *testing.T) {
	c := testController(t, &fakeProvider{instances: map[string]*models.Instance{}})
	err := c.PauseInstance(context.Background(), "i-1", "", models.SourceAPIUser)
	assert.Error(t, err)
}

func TestCreateInstance_PropagatesProviderError(t *testing.T) {
	boom := errors.New("insufficient funds")
	p := &fakeProvider{createErr: boom}
	c := testController(t, p)

	_, err := c.CreateInstance(context.Background(), provider.CreateInstanceRequest{OfferID: "o-1"}, "warm pool primary", models.SourceWarmPoolManager)
	require.ErrorIs(t, err, boom)
}
