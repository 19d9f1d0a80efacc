package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// changesSchema validates the remote change feed before it touches the
// local store. A malformed feed fails the cycle instead of corrupting state.
const changesSchema = `{
	"type": "object",
	"required": ["changes", "next_cursor"],
	"properties": {
		"next_cursor": {"type": "string"},
		"changes": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["content_hash", "version"],
				"properties": {
					"content_hash": {"type": "string", "minLength": 1},
					"version": {"type": "string", "minLength": 1},
					"deleted": {"type": "boolean"},
					"payload": {
						"type": "object",
						"required": ["content_hash", "content", "created_at_ms", "updated_at_ms"],
						"properties": {
							"content_hash": {"type": "string", "minLength": 1},
							"content": {"type": "string", "minLength": 1},
							"created_at_ms": {"type": "integer"},
							"updated_at_ms": {"type": "integer"}
						}
					}
				}
			}
		}
	}
}`

var compiledChangesSchema = gojsonschema.NewStringLoader(changesSchema)

// HTTPRemote talks the sync protocol to a remote memory service over HTTP.
type HTTPRemote struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPRemote creates a remote client for the given base URL.
func NewHTTPRemote(baseURL, apiKey string) *HTTPRemote {
	return &HTTPRemote{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Push uploads a batch of records.
func (r *HTTPRemote) Push(ctx context.Context, payloads []RecordPayload) ([]PushResult, error) {
	body, err := json.Marshal(map[string]interface{}{"records": payloads})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push batch: %w", err)
	}

	data, err := r.do(ctx, http.MethodPost, r.baseURL+"/api/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var resp struct {
		Results []PushResult `json:"results"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode push response: %w", err)
	}
	if len(resp.Results) != len(payloads) {
		return nil, fmt.Errorf("remote returned %d results for %d records", len(resp.Results), len(payloads))
	}

	return resp.Results, nil
}

// Pull fetches the change feed after the cursor.
func (r *HTTPRemote) Pull(ctx context.Context, cursor string, limit int) ([]Change, string, error) {
	endpoint := r.baseURL + "/api/sync/changes?cursor=" + url.QueryEscape(cursor) +
		"&limit=" + strconv.Itoa(limit)

	data, err := r.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", err
	}

	result, err := gojsonschema.Validate(compiledChangesSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to validate change feed: %w", err)
	}
	if !result.Valid() {
		return nil, "", fmt.Errorf("remote change feed is malformed: %v", result.Errors())
	}

	var resp struct {
		Changes    []Change `json:"changes"`
		NextCursor string   `json:"next_cursor"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, "", fmt.Errorf("failed to decode change feed: %w", err)
	}

	return resp.Changes, resp.NextCursor, nil
}

// Delete removes a record remotely. A 404 counts as acknowledged.
func (r *HTTPRemote) Delete(ctx context.Context, contentHash, priorVersion string) (PushResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		r.baseURL+"/api/memories/"+url.PathEscape(contentHash), nil)
	if err != nil {
		return PushResult{}, err
	}
	r.setHeaders(req)
	if priorVersion != "" {
		req.Header.Set("If-Match", priorVersion)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return PushResult{}, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Already gone remotely; the delete is settled.
		return PushResult{ContentHash: contentHash}, nil
	case resp.StatusCode == http.StatusConflict:
		return PushResult{ContentHash: contentHash, Conflict: true}, nil
	case resp.StatusCode >= 500:
		return PushResult{}, fmt.Errorf("%w: status %d", ErrRemoteUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent:
		body, _ := io.ReadAll(resp.Body)
		return PushResult{}, fmt.Errorf("remote delete failed (status %d): %s", resp.StatusCode, string(body))
	}

	return PushResult{ContentHash: contentHash}, nil
}

// Fetch reads a single record's current remote state. A 404 means the
// remote never saw the record (or already settled its deletion).
func (r *HTTPRemote) Fetch(ctx context.Context, contentHash string) (*Change, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.baseURL+"/api/memories/"+url.PathEscape(contentHash), nil)
	if err != nil {
		return nil, err
	}
	r.setHeaders(req)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrRemoteUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote fetch failed (status %d): %s", resp.StatusCode, string(body))
	}

	var change Change
	if err := json.NewDecoder(resp.Body).Decode(&change); err != nil {
		return nil, fmt.Errorf("failed to decode fetch response: %w", err)
	}
	return &change, nil
}

func (r *HTTPRemote) do(ctx context.Context, method, endpoint string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	r.setHeaders(req)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrRemoteUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote error (status %d): %s", resp.StatusCode, string(data))
	}

	return io.ReadAll(resp.Body)
}

func (r *HTTPRemote) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
}
