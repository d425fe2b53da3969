package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// GatewayCharge is the gateway's view of a charge, used for reconciliation.
type GatewayCharge struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
	Refunded int64  `json:"amount_refunded"`
}

// GatewayClient talks to the payment gateway's query API.
type GatewayClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewGatewayClient(baseURL, apiKey string) *GatewayClient {
	return &GatewayClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *GatewayClient) GetCharge(ctx context.Context, chargeID string) (*GatewayCharge, error) {
	url := fmt.Sprintf("%s/v1/charges/%s", c.baseURL, chargeID)
	log.Printf("[GATEWAY] Fetching charge: %s", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		log.Printf("[GATEWAY] Charge lookup failed: %v", err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[GATEWAY] Charge lookup returned non-OK status: %d", resp.StatusCode)
		return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	var charge GatewayCharge
	if err := json.NewDecoder(resp.Body).Decode(&charge); err != nil {
		log.Printf("[GATEWAY] Failed to decode charge response: %v", err)
		return nil, err
	}

	return &charge, nil
}
