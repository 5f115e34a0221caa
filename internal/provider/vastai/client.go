// Package vastai is a concrete InstanceProvider adapter speaking the
// Vast.ai marketplace REST API. It is the reference implementation other
// marketplace adapters (TensorDock, Lambda, RunPod) would follow.
package vastai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/metrics"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/provider"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/pkg/models"
)

const (
	defaultBaseURL = "https://console.vast.ai/api/v0"
	defaultTimeout = 30 * time.Second
)

// Client is a Vast.ai API client implementing provider.InstanceProvider.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API base URL, for testing against a mock server.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient builds a Vast.ai client. The marketplace's documented rate limit
// is roughly 1 request/second sustained with small bursts.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(1), 3),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return "vastai" }

// SearchOffers returns available GPU offers matching filter.
func (c *Client) SearchOffers(ctx context.Context, filter models.OfferFilter) ([]models.Offer, error) {
	query := map[string]interface{}{"rentable": map[string]bool{"eq": true}}
	if filter.MinGPURAMMB > 0 {
		query["gpu_ram"] = map[string]int{"gte": filter.MinGPURAMMB}
	}
	if filter.MaxPricePerHour > 0 {
		query["dph_total"] = map[string]float64{"lte": filter.MaxPricePerHour}
	}
	if filter.MinReliability > 0 {
		query["reliability2"] = map[string]float64{"gte": filter.MinReliability}
	}

	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	reqURL := fmt.Sprintf("%s/bundles/?q=%s", c.baseURL, url.QueryEscape(string(queryJSON)))
	var result BundlesResponse
	if err := c.get(ctx, "SearchOffers", reqURL, &result); err != nil {
		return nil, err
	}

	offers := make([]models.Offer, 0, len(result.Offers))
	for _, b := range result.Offers {
		if !b.Rentable {
			continue
		}
		offer := bundleToOffer(b)
		if matchesFilter(offer, filter) {
			offers = append(offers, offer)
		}
	}
	return offers, nil
}

// CreateInstance rents an on-demand offer.
func (c *Client) CreateInstance(ctx context.Context, req provider.CreateInstanceRequest) (*models.Instance, error) {
	return c.createInstance(ctx, req, 0)
}

// CreateInstanceBid places a bid-priced (interruptible) rental.
func (c *Client) CreateInstanceBid(ctx context.Context, req provider.CreateInstanceRequest, bidPerHour float64) (*models.Instance, error) {
	return c.createInstance(ctx, req, bidPerHour)
}

func (c *Client) createInstance(ctx context.Context, req provider.CreateInstanceRequest, bidPerHour float64) (*models.Instance, error) {
	bundleID, err := bundleIDFromOffer(req.OfferID)
	if err != nil {
		return nil, fmt.Errorf("invalid offer ID %q: %w", req.OfferID, err)
	}

	body := CreateInstanceRequest{
		Image:        "nvidia/cuda:12.2.0-runtime-ubuntu22.04",
		DiskGB:       req.DiskGB,
		OnStart:      req.OnStartCmd,
		Label:        req.Label,
		SSHPublicKey: req.SSHPublicKey,
		PricePerHour: bidPerHour,
	}

	reqURL := fmt.Sprintf("%s/asks/%d/", c.baseURL, bundleID)
	var result CreateInstanceResponse
	if err := c.do(ctx, "CreateInstance", http.MethodPut, reqURL, body, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, provider.NewAPIError(c.Name(), "CreateInstance", 0, result.Error)
	}

	instanceID := strconv.Itoa(result.NewContract)

	return &models.Instance{
		InstanceID:     instanceID,
		OfferID:        req.OfferID,
		IntendedStatus: models.IntendedRunning,
		ActualStatus:   models.ActualProvisioning,
		StartedAt:      time.Now(),
		Label:          req.Label,
	}, nil
}

// GetInstance returns the current provider-observed state of an instance.
func (c *Client) GetInstance(ctx context.Context, instanceID string) (*models.Instance, error) {
	instances, err := c.ListInstances(ctx)
	if err != nil {
		return nil, err
	}
	for _, inst := range instances {
		if inst.InstanceID == instanceID {
			return inst, nil
		}
	}
	return nil, provider.NewAPIError(c.Name(), "GetInstance", http.StatusNotFound, "instance not found")
}

// ListInstances returns all instances under our account.
func (c *Client) ListInstances(ctx context.Context) ([]*models.Instance, error) {
	reqURL := fmt.Sprintf("%s/instances/", c.baseURL)
	var result InstancesResponse
	if err := c.get(ctx, "ListInstances", reqURL, &result); err != nil {
		return nil, err
	}

	instances := make([]*models.Instance, 0, len(result.Instances))
	for _, inst := range result.Instances {
		instances = append(instances, &models.Instance{
			InstanceID:   strconv.Itoa(inst.ID),
			ActualStatus: vastaiStatusToActual(inst.ActualStatus),
			SSHHost:      inst.SSHHost,
			SSHPort:      inst.SSHPort,
			PricePerHour: inst.DPHTotal,
			StartedAt:    time.Unix(int64(inst.StartDate), 0),
			Label:        inst.Label,
		})
	}
	return instances, nil
}

// DestroyInstance tears down an instance. Idempotent.
func (c *Client) DestroyInstance(ctx context.Context, instanceID string) error {
	reqURL := fmt.Sprintf("%s/instances/%s/", c.baseURL, instanceID)
	err := c.do(ctx, "DestroyInstance", http.MethodDelete, reqURL, nil, nil)
	if apiErr, ok := err.(*provider.APIError); ok && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// PauseInstance stops billing for compute while preserving disk state.
func (c *Client) PauseInstance(ctx context.Context, instanceID string) error {
	reqURL := fmt.Sprintf("%s/instances/%s/", c.baseURL, instanceID)
	return c.do(ctx, "PauseInstance", http.MethodPut, reqURL, map[string]string{"state": "stopped"}, nil)
}

// ResumeInstance brings a paused instance back to running.
func (c *Client) ResumeInstance(ctx context.Context, instanceID string) error {
	reqURL := fmt.Sprintf("%s/instances/%s/", c.baseURL, instanceID)
	return c.do(ctx, "ResumeInstance", http.MethodPut, reqURL, map[string]string{"state": "running"}, nil)
}

// GetBalance returns the account's available funds.
func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	reqURL := fmt.Sprintf("%s/users/current/", c.baseURL)
	var result BalanceResponse
	if err := c.get(ctx, "GetBalance", reqURL, &result); err != nil {
		return 0, err
	}
	return result.Credit, nil
}

func (c *Client) get(ctx context.Context, operation, reqURL string, out interface{}) error {
	return c.do(ctx, operation, http.MethodGet, reqURL, nil, out)
}

// do issues one HTTP request against the Vast.ai API, enforcing the
// client-side rate limit and recording outcome metrics.
func (c *Client) do(ctx context.Context, operation, method, reqURL string, body, out interface{}) (err error) {
	defer func() {
		result := "success"
		if err != nil {
			result = "error"
		}
		metrics.RecordProviderAPICall(c.Name(), operation, result)
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}

	var bodyReader io.Reader
	if body != nil {
		payload, marshalErr := json.Marshal(body)
		if marshalErr != nil {
			return fmt.Errorf("failed to marshal request body: %w", marshalErr)
		}
		bodyReader = strings.NewReader(string(payload))
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return provider.NewAPIError(c.Name(), operation, resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func bundleToOffer(b Bundle) models.Offer {
	return models.Offer{
		OfferID:      strconv.Itoa(b.ID),
		MachineID:    strconv.Itoa(b.MachineID),
		GPUName:      b.GPUName,
		NumGPUs:      b.NumGPUs,
		GPURAMMB:     int(b.GPURam),
		PricePerHour: b.DPHTotal,
		Reliability:  b.Reliability2,
		Geolocation:  b.GeoLocation,
		Verified:     b.Verified,
		MachineType:  models.MachineOnDemand,
	}
}

func matchesFilter(o models.Offer, filter models.OfferFilter) bool {
	if filter.MinGPURAMMB > 0 && o.GPURAMMB < filter.MinGPURAMMB {
		return false
	}
	if filter.MaxPricePerHour > 0 && o.PricePerHour > filter.MaxPricePerHour {
		return false
	}
	if filter.MinReliability > 0 && o.Reliability < filter.MinReliability {
		return false
	}
	if filter.GeolocationMatch != "" && !strings.Contains(strings.ToLower(o.Geolocation), strings.ToLower(filter.GeolocationMatch)) {
		return false
	}
	if len(filter.GPUNames) > 0 {
		matched := false
		for _, name := range filter.GPUNames {
			if strings.EqualFold(name, o.GPUName) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func bundleIDFromOffer(offerID string) (int, error) {
	trimmed := strings.TrimSpace(offerID)
	if strings.HasPrefix(strings.ToLower(trimmed), "vastai-") {
		trimmed = trimmed[len("vastai-"):]
	}
	return strconv.Atoi(trimmed)
}

func vastaiStatusToActual(status string) models.ActualStatus {
	switch status {
	case "running":
		return models.ActualRunning
	case "loading":
		return models.ActualLoading
	case "stopped", "exited":
		return models.ActualStopped
	case "offline":
		return models.ActualFailed
	default:
		return models.ActualProvisioning
	}
}
