// Package storefront wraps the EverShop admin REST API consumed by the
// sync engine. Calls are made idempotent here by checking current
// listing state where the storefront itself is not.
package storefront

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/cardvault/services/sync/config"
	"example.com/cardvault/services/sync/internal/domain"
)

// PromoteResult is the storefront's response to a promotion call
type PromoteResult struct {
	Success   bool                     `json:"success"`
	SyncState domain.EverShopSyncState `json:"sync_state"`
	ProductID string                   `json:"product_id"`
}

// Client is the surface the sync engine depends on
type Client interface {
	PromoteProduct(ctx context.Context, productUID string) (*PromoteResult, error)
	HideListing(ctx context.Context, payload json.RawMessage) error
	UpdatePrice(ctx context.Context, productUID string, priceCents int64) error
	FetchListingState(ctx context.Context, sku string) (domain.EverShopSyncState, error)
}

type restClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates an EverShop REST client from configuration
func NewClient(cfg config.StorefrontConfig) Client {
	return &restClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

// PromoteProduct creates or updates the storefront listing and turns
// visibility on. Promoting an already-promoted product succeeds.
func (c *restClient) PromoteProduct(ctx context.Context, productUID string) (*PromoteResult, error) {
	var result PromoteResult
	path := fmt.Sprintf("/api/sync/products/%s/promote", productUID)
	if err := c.post(ctx, path, nil, &result); err != nil {
		return nil, errors.Wrap(err, "promote product")
	}
	if !result.Success {
		return nil, errors.Errorf("storefront rejected promotion of %s", productUID)
	}
	return &result, nil
}

// HideListing turns visibility off while retaining the product
func (c *restClient) HideListing(ctx context.Context, payload json.RawMessage) error {
	var result struct {
		Success bool `json:"success"`
	}
	if err := c.post(ctx, "/api/sync/listings/hide", payload, &result); err != nil {
		return errors.Wrap(err, "hide listing")
	}
	if !result.Success {
		return errors.New("storefront rejected hide request")
	}
	return nil
}

// UpdatePrice pushes a new price to the storefront listing
func (c *restClient) UpdatePrice(ctx context.Context, productUID string, priceCents int64) error {
	body, err := json.Marshal(map[string]interface{}{
		"product_uid": productUID,
		"price_cents": priceCents,
	})
	if err != nil {
		return errors.Wrap(err, "marshal price payload")
	}

	var result struct {
		Success bool `json:"success"`
	}
	if err := c.post(ctx, "/api/sync/listings/price", body, &result); err != nil {
		return errors.Wrap(err, "update price")
	}
	if !result.Success {
		return errors.Errorf("storefront rejected price update for %s", productUID)
	}
	return nil
}

// FetchListingState reads the storefront's view of a listing by SKU
func (c *restClient) FetchListingState(ctx context.Context, sku string) (domain.EverShopSyncState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/sync/listings/%s/state", c.baseURL, sku), nil)
	if err != nil {
		return "", errors.Wrap(err, "build listing state request")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "fetch listing state")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("listing state request returned %d", resp.StatusCode)
	}

	var body struct {
		State domain.EverShopSyncState `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errors.Wrap(err, "decode listing state response")
	}
	if !body.State.Valid() {
		return "", errors.Errorf("storefront reported unknown state %q for sku %s", body.State, sku)
	}
	return body.State, nil
}

func (c *restClient) post(ctx context.Context, path string, payload []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "POST %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return errors.Errorf("storefront unavailable: %s returned %d", path, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Warn().Str("path", path).Int("status", resp.StatusCode).Bytes("body", raw).
			Msg("Storefront rejected request")
		return errors.Errorf("%s returned %d", path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, "decode response")
		}
	}
	return nil
}

func (c *restClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
