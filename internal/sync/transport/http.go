package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/wayfarer/sync-engine/internal/errors"
	"github.com/wayfarer/sync-engine/internal/models"
)

// HTTPClient talks to the sync server over JSON/HTTP with bearer auth.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient builds a client for the given server.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Delta(ctx context.Context, since int64) (*DeltaResponse, error) {
	var out DeltaResponse
	path := "/api/v1/sync/delta?since=" + strconv.FormatInt(since, 10)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Upsert(ctx context.Context, rec *Record) error {
	path := "/api/v1/entities/" + url.PathEscape(rec.ID.String())
	return c.doJSON(ctx, http.MethodPut, path, rec, nil)
}

func (c *HTTPClient) Delete(ctx context.Context, t models.EntityType, id models.UUID, deletedAt int64) error {
	path := fmt.Sprintf("/api/v1/entities/%s?type=%s&deletedAt=%d",
		url.PathEscape(id.String()), url.QueryEscape(string(t)), deletedAt)
	err := c.doJSON(ctx, http.MethodDelete, path, nil, nil)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		// Already gone on the server; the tombstone has done its job.
		return nil
	}
	return err
}

func (c *HTTPClient) UploadURL(ctx context.Context, objectKey string) (*SignedURL, error) {
	return c.signedURL(ctx, "/api/v1/files/upload-url", objectKey)
}

func (c *HTTPClient) DownloadURL(ctx context.Context, objectKey string) (*SignedURL, error) {
	return c.signedURL(ctx, "/api/v1/files/download-url", objectKey)
}

func (c *HTTPClient) signedURL(ctx context.Context, path, objectKey string) (*SignedURL, error) {
	in := map[string]string{"objectKey": objectKey}
	var out SignedURL
	if err := c.doJSON(ctx, http.MethodPost, path, in, &out); err != nil {
		return nil, err
	}
	if out.URL == "" {
		return nil, apperrors.New(apperrors.ErrStorageRejected, "server returned empty signed URL")
	}
	return &out, nil
}

// doJSON performs one request and maps the response status onto the engine's
// error codes.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to encode request body", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		// Timeouts, refused connections and DNS failures are all retryable.
		return apperrors.Wrap(apperrors.ErrTransientNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperrors.New(apperrors.ErrAuthRejected,
			fmt.Sprintf("server rejected credentials (%d)", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.New(apperrors.ErrNotFound, "not found: "+path)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apperrors.New(apperrors.ErrTransientNetwork,
			fmt.Sprintf("server unavailable (%d)", resp.StatusCode))
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperrors.New(apperrors.ErrStorageRejected,
			fmt.Sprintf("server rejected request (%d): %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.ErrTransientNetwork, "failed to decode response", err)
	}
	return nil
}
