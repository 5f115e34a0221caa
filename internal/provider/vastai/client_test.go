package vastai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/provider"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/pkg/models"
)

func TestClient_Name(t *testing.T) {
	c := NewClient("test-key")
	assert.Equal(t, "vastai", c.Name())
}

func TestSearchOffers_FiltersAndParsesBundles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bundles/", r.URL.Path)
		assert.Contains(t, r.Header.Get("Authorization"), "Bearer test-key")

		resp := BundlesResponse{Offers: []Bundle{
			{ID: 1, GPUName: "RTX 4090", GPURam: 24576, NumGPUs: 1, DPHTotal: 0.45, Reliability2: 0.95, GeoLocation: "California, US", Rentable: true},
			{ID: 2, GPUName: "A100", GPURam: 81920, NumGPUs: 1, DPHTotal: 1.5, Reliability2: 0.99, GeoLocation: "Virginia, US", Rentable: true},
			{ID: 3, GPUName: "T4", GPURam: 16384, NumGPUs: 1, DPHTotal: 0.1, Reliability2: 0.8, GeoLocation: "Oregon, US", Rentable: false},
		}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	c := NewClient("test-key", WithBaseURL(server.URL))
	offers, err := c.SearchOffers(context.Background(), models.OfferFilter{MinReliability: 0.9})
	require.NoError(t, err)
	require.Len(t, offers, 2)
	assert.Equal(t, "1", offers[0].OfferID)
	assert.Equal(t, "RTX 4090", offers[0].GPUName)
}

func TestCreateInstance_ParsesBundleIDAndReturnsInstance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/asks/12345/", r.URL.Path)
		assert.Equal(t, http.MethodPut, r.Method)
		_ = json.NewEncoder(w).Encode(CreateInstanceResponse{Success: true, NewContract: 999})
	}))
	defer server.Close()

	c := NewClient("test-key", WithBaseURL(server.URL))
	inst, err := c.CreateInstance(context.Background(), provider.CreateInstanceRequest{
		OfferID: "vastai-12345", Label: "test", SSHPublicKey: "ssh-rsa AAAA",
	})
	require.NoError(t, err)
	assert.Equal(t, "999", inst.InstanceID)
	assert.Equal(t, models.ActualProvisioning, inst.ActualStatus)
}

func TestCreateInstance_FailureReturnsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(CreateInstanceResponse{Success: false, Error: "offer no longer available"})
	}))
	defer server.Close()

	c := NewClient("test-key", WithBaseURL(server.URL))
	_, err := c.CreateInstance(context.Background(), provider.CreateInstanceRequest{OfferID: "1"})
	require.Error(t, err)
	var apiErr *provider.APIError
	require.ErrorAs(t, err, &apiErr)
}

func TestListInstances_MapsStatusesAndEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instances/", r.URL.Path)
		resp := InstancesResponse{Instances: []Instance{
			{ID: 1, Label: "a", ActualStatus: "running", SSHHost: "1.2.3.4", SSHPort: 22, DPHTotal: 0.5},
			{ID: 2, Label: "b", ActualStatus: "loading"},
		}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	c := NewClient("test-key", WithBaseURL(server.URL))
	instances, err := c.ListInstances(context.Background())
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, models.ActualRunning, instances[0].ActualStatus)
	assert.Equal(t, "1.2.3.4", instances[0].SSHHost)
	assert.Equal(t, models.ActualLoading, instances[1].ActualStatus)
}

func TestGetInstance_NotFoundReturnsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(InstancesResponse{})
	}))
	defer server.Close()

	c := NewClient("test-key", WithBaseURL(server.URL))
	_, err := c.GetInstance(context.Background(), "404")
	require.Error(t, err)
	var apiErr *provider.APIError
	require.ErrorAs(t, err, &apiErr)
}

func TestDestroyInstance_NotFoundIsIdempotent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := NewClient("test-key", WithBaseURL(server.URL))
	err := c.DestroyInstance(context.Background(), "gone")
	require.NoError(t, err)
}

func TestGetBalance_ParsesCredit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(BalanceResponse{Credit: 42.5})
	}))
	defer server.Close()

	c := NewClient("test-key", WithBaseURL(server.URL))
	balance, err := c.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42.5, balance)
}
