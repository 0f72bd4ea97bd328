package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) OpenTrade(ctx context.Context, accessToken, receiverID, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/trades", accessToken, map[string]any{
		"receiver_id": receiverID,
	}, &out, idem)
	return out, err
}

func (c *Client) ListTrades(ctx context.Context, accessToken string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/trades", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) TradeHistory(ctx context.Context, accessToken string, limit int) (map[string]any, error) {
	path := "/v1/trades/history"
	if limit > 0 {
		path = fmt.Sprintf("/v1/trades/history?limit=%d", limit)
	}
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, path, accessToken, nil, &out, "")
	return out, err
}

func (c *Client) GetTrade(ctx context.Context, accessToken string, tradeID int64) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/trades/%d", tradeID), accessToken, nil, &out, "")
	return out, err
}

func (c *Client) AcceptTrade(ctx context.Context, accessToken string, tradeID int64) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/trades/%d/accept", tradeID), accessToken, map[string]any{}, &out, "")
	return out, err
}

func (c *Client) CancelTrade(ctx context.Context, accessToken string, tradeID int64) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/trades/%d/cancel", tradeID), accessToken, map[string]any{}, &out, "")
	return out, err
}

func (c *Client) AddTradeItem(ctx context.Context, accessToken string, tradeID int64, itemType string, amount int64) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/trades/%d/items/add", tradeID), accessToken, map[string]any{
		"item_type": itemType,
		"amount":    amount,
	}, &out, "")
	return out, err
}

func (c *Client) RemoveTradeItem(ctx context.Context, accessToken string, tradeID int64, itemType string, amount int64) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/trades/%d/items/remove", tradeID), accessToken, map[string]any{
		"item_type": itemType,
		"amount":    amount,
	}, &out, "")
	return out, err
}

func (c *Client) AddTradeCurrency(ctx context.Context, accessToken string, tradeID int64, currency string, amount int64) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/trades/%d/currency/add", tradeID), accessToken, map[string]any{
		"currency": currency,
		"amount":   amount,
	}, &out, "")
	return out, err
}

func (c *Client) RemoveTradeCurrency(ctx context.Context, accessToken string, tradeID int64, currency string, amount int64) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/trades/%d/currency/remove", tradeID), accessToken, map[string]any{
		"currency": currency,
		"amount":   amount,
	}, &out, "")
	return out, err
}

func (c *Client) ConfirmTrade(ctx context.Context, accessToken string, tradeID int64) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/trades/%d/confirm", tradeID), accessToken, map[string]any{}, &out, "")
	return out, err
}

func (c *Client) UnconfirmTrade(ctx context.Context, accessToken string, tradeID int64) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/trades/%d/unconfirm", tradeID), accessToken, map[string]any{}, &out, "")
	return out, err
}

func (c *Client) CreateListing(ctx context.Context, accessToken, idem string, body map[string]any) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/market/listings", accessToken, body, &out, idem)
	return out, err
}

func (c *Client) Listings(ctx context.Context, accessToken, itemType string) (map[string]any, error) {
	path := "/v1/market/listings"
	if itemType != "" {
		path += "?item_type=" + url.QueryEscape(itemType)
	}
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, path, accessToken, nil, &out, "")
	return out, err
}

func (c *Client) MyListings(ctx context.Context, accessToken string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/market/listings/mine", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) CancelListing(ctx context.Context, accessToken string, listingID int64) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/market/listings/%d/cancel", listingID), accessToken, map[string]any{}, &out, "")
	return out, err
}

func (c *Client) BuyListing(ctx context.Context, accessToken string, listingID int64, payWithGem bool, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/market/listings/%d/buy", listingID), accessToken, map[string]any{
		"pay_with_gem": payWithGem,
	}, &out, idem)
	return out, err
}

func (c *Client) Inventory(ctx context.Context, accessToken string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/inventory", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) Wallet(ctx context.Context, accessToken string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/wallet", accessToken, nil, &out, "")
	return out, err
}

// Do replays an arbitrary queued command; the sync path uses it.
func (c *Client) Do(ctx context.Context, method, path, accessToken string, body map[string]any, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, method, path, accessToken, body, &out, idem)
	return out, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path, accessToken string, in any, out any, idem string) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("api status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
