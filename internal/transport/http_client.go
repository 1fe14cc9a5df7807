package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"

	"github.com/gazzetta/bookmarx/internal/config"
	"github.com/gazzetta/bookmarx/internal/events"
	"github.com/gazzetta/bookmarx/internal/models"
)

// HTTPClient implements Transport over HTTP.
type HTTPClient struct {
	client    *http.Client
	transport *http.Transport
	baseURL   string
	userAgent string
	logger    *events.Logger
}

// NewHTTPClient creates an HTTP client.
func NewHTTPClient(cfg *config.APIConfig, logger *events.Logger) *HTTPClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	// Configure HTTP/2
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		transport: transport,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		logger:    logger.WithField("component", "http_client"),
	}
}

// Status implements Transport.
func (c *HTTPClient) Status(ctx context.Context, ownerID, instanceID string, since time.Time) (*models.StatusResponse, error) {
	query := url.Values{}
	if !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339Nano))
	}

	path := PathStatus
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var out models.StatusResponse
	if err := c.do(ctx, "status", http.MethodGet, path, ownerID, instanceID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitBatch implements Transport.
func (c *HTTPClient) SubmitBatch(ctx context.Context, req *models.BatchRequest) (*models.SyncResponse, error) {
	var out models.SyncResponse
	if err := c.do(ctx, "batch", http.MethodPost, PathBatch, req.OwnerID, req.InstanceID, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitInitialImport implements Transport.
func (c *HTTPClient) SubmitInitialImport(ctx context.Context, req *models.InitialImportRequest) (*models.SyncResponse, error) {
	var out models.SyncResponse
	if err := c.do(ctx, "initial_import", http.MethodPost, PathInitialImport, req.OwnerID, req.InstanceID, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History fetches the owner's sync ledger.
func (c *HTTPClient) History(ctx context.Context, ownerID string, limit int) ([]models.SyncHistoryEntry, error) {
	path := PathHistory
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var out []models.SyncHistoryEntry
	if err := c.do(ctx, "history", http.MethodGet, path, ownerID, "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

// do executes one request and decodes the data of the response envelope
// into out. Every failure is a *models.TransportError.
func (c *HTTPClient) do(ctx context.Context, op, method, path, ownerID, instanceID string, payload, out interface{}) error {
	fullURL := c.baseURL + path
	fail := func(status int, err error) error {
		return &models.TransportError{Op: op, URL: fullURL, StatusCode: status, Err: err}
	}

	var body io.Reader
	var size int
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fail(0, fmt.Errorf("marshal payload: %w", err))
		}
		body = bytes.NewReader(data)
		size = len(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return fail(0, fmt.Errorf("create request: %w", err))
	}

	requestID := events.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(models.HeaderRequestID, requestID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ownerID != "" {
		req.Header.Set(models.HeaderOwnerID, ownerID)
	}
	if instanceID != "" {
		req.Header.Set(models.HeaderInstanceID, instanceID)
	}

	c.logger.WithFields(map[string]interface{}{
		"method":     method,
		"url":        fullURL,
		"size":       size,
		"request_id": requestID,
	}).Debug("Sending request")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fail(0, fmt.Errorf("execute request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(resp.StatusCode, fmt.Errorf("read response: %w", err))
	}

	c.logger.WithFields(map[string]interface{}{
		"status":     resp.StatusCode,
		"size":       len(respBody),
		"duration":   time.Since(start).String(),
		"request_id": requestID,
	}).Debug("Received response")

	var envelope models.APIResponse
	decodeErr := json.Unmarshal(respBody, &envelope)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &models.APIError{
			Code:       models.ErrCodeServerError,
			Message:    strings.TrimSpace(string(respBody)),
			StatusCode: resp.StatusCode,
			RequestID:  requestID,
		}
		if decodeErr == nil && envelope.Error != "" {
			apiErr.Message = envelope.Error
			if envelope.Code != "" {
				apiErr.Code = envelope.Code
			}
		}
		return fail(resp.StatusCode, apiErr)
	}

	if decodeErr != nil {
		return fail(resp.StatusCode, fmt.Errorf("%w: %v", models.ErrUnexpectedReply, decodeErr))
	}
	if !envelope.Success {
		return fail(resp.StatusCode, fmt.Errorf("%w: %s", models.ErrUnexpectedReply, envelope.Error))
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fail(resp.StatusCode, fmt.Errorf("parse response data: %w", err))
		}
	}

	return nil
}
