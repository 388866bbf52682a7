// Package httpapi syncs against the hosted backend over its REST API.
package httpapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/wrapshop/fieldsync/config"
	"github.com/wrapshop/fieldsync/errs"
	"github.com/wrapshop/fieldsync/internal/domain/entity"
	"github.com/wrapshop/fieldsync/internal/domain/gateway"
)

// Client implements gateway.Gateway against the hosted HTTPS API.
//
// Outbound calls share one rate limiter so a large queue drain cannot starve
// the backend; the per-request timeout comes from the caller's context.
type Client struct {
	baseURL   string
	token     string
	client    *http.Client
	limiter   *rate.Limiter
	pullLimit int
}

var _ gateway.Gateway = (*Client)(nil)

// New builds a Client from backend settings.
func New(cfg config.BackendSettings, pullLimit int) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("httpapi: base url required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("httpapi: parse base url: %w", err)
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 10
	}
	return &Client{
		baseURL: base,
		token:   strings.TrimSpace(cfg.APIToken),
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		limiter:   rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		pullLimit: pullLimit,
	}, nil
}

type pushResponse struct {
	Accepted      bool            `json:"accepted"`
	NewVersion    int64           `json:"newVersion"`
	ServerVersion int64           `json:"serverVersion"`
	ServerState   json.RawMessage `json:"serverState"`
	ServerDeleted bool            `json:"serverDeleted"`
	Message       string          `json:"message"`
}

// Push replays one queued mutation. A 409 is decoded into a rejected
// PushResult carrying the server's state; it is not an error.
func (c *Client) Push(ctx context.Context, req gateway.PushRequest) (gateway.PushResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return gateway.PushResult{}, fmt.Errorf("httpapi: await rate limit: %w", err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return gateway.PushResult{}, fmt.Errorf("httpapi: encode push: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync/push", bytes.NewReader(body))
	if err != nil {
		return gateway.PushResult{}, fmt.Errorf("httpapi: create push request: %w", err)
	}
	c.decorate(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return gateway.PushResult{}, errs.New("gateway/http", errs.CodeNetwork,
			errs.WithMessage("push request failed"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var payload pushResponse
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return gateway.PushResult{}, fmt.Errorf("httpapi: decode push response: %w", err)
		}
		return gateway.PushResult{
			Accepted:   true,
			NewVersion: payload.NewVersion,
		}, nil

	case resp.StatusCode == http.StatusConflict:
		var payload pushResponse
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return gateway.PushResult{}, fmt.Errorf("httpapi: decode conflict response: %w", err)
		}
		return gateway.PushResult{
			Accepted:      false,
			ServerVersion: payload.ServerVersion,
			ServerState:   payload.ServerState,
			ServerDeleted: payload.ServerDeleted,
		}, nil

	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return gateway.PushResult{}, errs.New("gateway/http", errs.CodeValidation,
			errs.WithMessage(readMessage(resp.Body, "payload rejected")), errs.WithHTTP(resp.StatusCode))

	case resp.StatusCode >= http.StatusInternalServerError:
		return gateway.PushResult{}, errs.New("gateway/http", errs.CodeUnavailable,
			errs.WithMessage(fmt.Sprintf("backend status %d", resp.StatusCode)), errs.WithHTTP(resp.StatusCode))

	default:
		return gateway.PushResult{}, errs.New("gateway/http", errs.CodeNetwork,
			errs.WithMessage(fmt.Sprintf("unexpected status %d", resp.StatusCode)), errs.WithHTTP(resp.StatusCode))
	}
}

type changesResponse struct {
	Changes []gateway.Change `json:"changes"`
}

// Changes pulls the remote change feed for one type strictly after since.
func (c *Client) Changes(ctx context.Context, typ entity.Type, since time.Time) ([]gateway.Change, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("httpapi: await rate limit: %w", err)
	}
	params := url.Values{}
	params.Set("type", string(typ))
	if !since.IsZero() {
		params.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if c.pullLimit > 0 {
		params.Set("limit", strconv.Itoa(c.pullLimit))
	}
	endpoint := c.baseURL + "/sync/changes?" + params.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("httpapi: create changes request: %w", err)
	}
	c.decorate(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, errs.New("gateway/http", errs.CodeNetwork,
			errs.WithMessage("changes request failed"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, errs.New("gateway/http", errs.CodeUnavailable,
				errs.WithMessage(fmt.Sprintf("backend status %d", resp.StatusCode)), errs.WithHTTP(resp.StatusCode))
		}
		return nil, errs.New("gateway/http", errs.CodeNetwork,
			errs.WithMessage(readMessage(resp.Body, fmt.Sprintf("changes status %d", resp.StatusCode))), errs.WithHTTP(resp.StatusCode))
	}

	var payload changesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("httpapi: decode changes: %w", err)
	}
	return payload.Changes, nil
}

func (c *Client) decorate(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func readMessage(body io.Reader, fallback string) string {
	raw, _ := io.ReadAll(io.LimitReader(body, 4<<10))
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && strings.TrimSpace(payload.Message) != "" {
		return strings.TrimSpace(payload.Message)
	}
	if trimmed := strings.TrimSpace(string(raw)); trimmed != "" {
		return trimmed
	}
	return fallback
}
