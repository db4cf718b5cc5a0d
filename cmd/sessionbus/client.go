package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kalambet/sessionbus/internal/api"
	"github.com/kalambet/sessionbus/internal/config"
)

type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return &apiClient{
		baseURL: resolveBaseURL(cfg),
		// Longer than the maximum inbox poll.
		httpClient: &http.Client{Timeout: 150 * time.Second},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any, header http.Header) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is sessionbus running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// postIdempotent sends key as the idempotency header when non-empty.
func (c *apiClient) postIdempotent(ctx context.Context, path string, body any, key string) (*http.Response, error) {
	var header http.Header
	if key != "" {
		header = http.Header{api.IdempotencyHeader: []string{key}}
	}
	return c.do(ctx, http.MethodPost, path, body, header)
}

func (c *apiClient) delete(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// stream opens a long-lived GET without the client timeout.
func (c *apiClient) stream(ctx context.Context, path string) (*http.Response, error) {
	streaming := *c.httpClient
	streaming.Timeout = 0
	sc := &apiClient{baseURL: c.baseURL, httpClient: &streaming}
	resp, err := sc.do(ctx, http.MethodGet, path, nil, http.Header{"Accept": []string{"text/event-stream"}})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, decodeJSON(resp, nil)
	}
	return resp, nil
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		return api.ParseClientError(resp.StatusCode, body)
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
