// Package backend is the outbound REST collaborator: it pushes normalized
// reservation payloads to the central API. Calls are fire-and-await; a
// transient failure is logged by the caller, never retried here (retries of
// the source DOM action are a separate concern).
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const DefaultBaseURL = "https://api.24golf.co.kr"

// Param types select the URL variant for an upsert/delete.
const (
	ParamDefault = ""  // stores/{id}/reservation/crawl
	ParamFields  = "m" // stores/{id}/reservation/crawl/fields
	ParamGroup   = "g" // stores/{id}/reservation/crawl/group
	ParamBulk    = "p" // full-day snapshot post
)

type Client struct {
	baseURL string
	storeID string
	tokens  *TokenManager
	http    *http.Client
}

func NewClient(baseURL, storeID string, tokens *TokenManager) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		storeID: storeID,
		tokens:  tokens,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) url(paramType string) string {
	path := "crawl"
	switch paramType {
	case ParamFields:
		path = "crawl/fields"
	case ParamGroup:
		path = "crawl/group"
	}
	return fmt.Sprintf("%s/stores/%s/reservation/%s", c.baseURL, c.storeID, path)
}

// Post sends a full payload; used for the day-snapshot push, which carries
// the snapshot date as a query parameter.
func (c *Client) Post(ctx context.Context, payload any, paramType, date string) error {
	u := c.url(paramType)
	if date != "" {
		u += "?date=" + date
	}
	return c.do(ctx, http.MethodPost, u, payload)
}

// Patch upserts one reservation.
func (c *Client) Patch(ctx context.Context, payload any, paramType string) error {
	return c.do(ctx, http.MethodPatch, c.url(paramType), payload)
}

// Delete removes a reservation (or a reservation group).
func (c *Client) Delete(ctx context.Context, payload any, paramType string) error {
	return c.do(ctx, http.MethodDelete, c.url(paramType), payload)
}

func (c *Client) do(ctx context.Context, method, url string, payload any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("acquire token: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, snippet)
	}
	log.Info().Str("method", method).Int("status", resp.StatusCode).Msg("backend push ok")
	return nil
}
