package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/errs"
)

func testEnvelope() *Envelope {
	return New(Config{
		RateLimitPerMachine: 2,
		RateLimitWindow:     time.Hour,
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 2,
			CoolDown:         10 * time.Millisecond,
			BaseBackoff:      time.Millisecond,
			MaxBackoff:       time.Second,
		},
		AuditCapacity: 16,
	})
}

func TestEnvelope_RecordAdmissionConsumesBudget(t *testing.T) {
	e := testEnvelope()
	ctx := context.Background()

	require.NoError(t, e.CheckAdmission(ctx, "m-1"))
	e.RecordAdmission("m-1")
	require.NoError(t, e.CheckAdmission(ctx, "m-1"))
	e.RecordAdmission("m-1")

	err := e.CheckAdmission(ctx, "m-1")
	require.Error(t, err)
	var rle *errs.RateLimitedError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "m-1", rle.Scope)
}

func TestEnvelope_CheckAdmissionDoesNotConsumeBudget(t *testing.T) {
	e := testEnvelope()
	ctx := context.Background()

	// Checking repeatedly without recording never exhausts the budget,
	// so machines whose strategies all fail are never locked out.
	for i := 0; i < 10; i++ {
		require.NoError(t, e.CheckAdmission(ctx, "m-1"))
	}
}

func TestEnvelope_AdmissionIsPerMachine(t *testing.T) {
	e := testEnvelope()
	ctx := context.Background()

	require.NoError(t, e.CheckAdmission(ctx, "m-1"))
	e.RecordAdmission("m-1")
	require.NoError(t, e.CheckAdmission(ctx, "m-1"))
	e.RecordAdmission("m-1")
	assert.Error(t, e.CheckAdmission(ctx, "m-1"))

	assert.NoError(t, e.CheckAdmission(ctx, "m-2"))
}

func TestEnvelope_AllowStrategyTripsCircuit(t *testing.T) {
	e := testEnvelope()

	assert.NoError(t, e.AllowStrategy("warm_pool"))
	e.RecordStrategyResult("warm_pool", false)
	assert.NoError(t, e.AllowStrategy("warm_pool"))
	e.RecordStrategyResult("warm_pool", false)

	err := e.AllowStrategy("warm_pool")
	require.Error(t, err)
	var coe *errs.CircuitOpenError
	require.ErrorAs(t, err, &coe)
	assert.Equal(t, "warm_pool", coe.Strategy)
}

func TestEnvelope_StrategyRecoversAfterCoolDown(t *testing.T) {
	e := testEnvelope()

	e.RecordStrategyResult("regional_volume", false)
	e.RecordStrategyResult("regional_volume", false)
	require.Error(t, e.AllowStrategy("regional_volume"))

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.AllowStrategy("regional_volume"))
	e.RecordStrategyResult("regional_volume", true)
	assert.NoError(t, e.AllowStrategy("regional_volume"))
}

func TestEnvelope_CommitRollsBackUnkept(t *testing.T) {
	e := testEnvelope()
	ctx := context.Background()

	e.Journal().Record("fo-1", "inst-a", "instance")
	e.Journal().Record("fo-1", "inst-b", "instance")

	e.Commit(ctx, "fo-1", func(resourceID string) bool {
		return resourceID == "inst-a"
	})

	recent := e.Audit().Recent(10)
	require.Len(t, recent, 1)
	assert.Equal(t, "inst-b", recent[0].ResourceID)
	assert.Equal(t, "rolled_back", recent[0].Action)

	assert.Empty(t, e.Journal().Pending("fo-1"))
}

func TestEnvelope_StrategyBackoffIncreases(t *testing.T) {
	e := testEnvelope()

	first := e.StrategyBackoff("warm_pool")
	e.RecordStrategyResult("warm_pool", false)
	e.RecordStrategyResult("warm_pool", false)
	second := e.StrategyBackoff("warm_pool")

	assert.GreaterOrEqual(t, second, first)
}
