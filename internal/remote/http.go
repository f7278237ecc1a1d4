package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/avery/tally/internal/models"
)

// Client talks to a tally-syncd backend over HTTPS. It implements Store.
type Client struct {
	BaseURL  string
	APIKey   string
	DeviceID string
	HTTP     *http.Client
}

var _ Store = (*Client)(nil)

// NewClient creates an HTTP remote store client.
func NewClient(baseURL, apiKey, deviceID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		APIKey:   apiKey,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// entryResponse is the wire shape of an entry. Decoding goes through the
// models normalization step so legacy servers remain readable.
type entryResponse = json.RawMessage

// createRequest is the body for POST /v1/users/{owner}/entries.
type createRequest struct {
	Project     string `json:"project"`
	Description string `json:"description,omitempty"`
	Minutes     int    `json:"minutes"`
	CreatedAt   string `json:"created_at"`
}

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// Create stores a new entry and returns the server-confirmed copy.
func (c *Client) Create(ctx context.Context, entry *models.HistoryEntry) (*models.HistoryEntry, error) {
	body := createRequest{
		Project:     entry.Project,
		Description: entry.Description,
		Minutes:     entry.Minutes,
		CreatedAt:   entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	var raw entryResponse
	path := fmt.Sprintf("/v1/users/%s/entries", url.PathEscape(entry.OwnerID))
	if err := c.do(ctx, "POST", path, body, &raw); err != nil {
		return nil, err
	}
	return decodeEntry(raw, entry.OwnerID)
}

// Update applies a patch and returns the confirmed entry.
func (c *Client) Update(ctx context.Context, ownerID, id string, patch EntryPatch) (*models.HistoryEntry, error) {
	var raw entryResponse
	path := fmt.Sprintf("/v1/users/%s/entries/%s", url.PathEscape(ownerID), url.PathEscape(id))
	if err := c.do(ctx, "PATCH", path, patch, &raw); err != nil {
		return nil, err
	}
	return decodeEntry(raw, ownerID)
}

// Delete removes an entry.
func (c *Client) Delete(ctx context.Context, ownerID, id string) error {
	path := fmt.Sprintf("/v1/users/%s/entries/%s", url.PathEscape(ownerID), url.PathEscape(id))
	return c.do(ctx, "DELETE", path, nil, nil)
}

// ListByOwner returns every entry for an owner, newest first.
func (c *Client) ListByOwner(ctx context.Context, ownerID string) ([]models.HistoryEntry, error) {
	var raw []entryResponse
	path := fmt.Sprintf("/v1/users/%s/entries", url.PathEscape(ownerID))
	if err := c.do(ctx, "GET", path, nil, &raw); err != nil {
		return nil, err
	}

	entries := make([]models.HistoryEntry, 0, len(raw))
	for _, r := range raw {
		e, err := decodeEntry(r, ownerID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, nil
}

func decodeEntry(raw json.RawMessage, ownerID string) (*models.HistoryEntry, error) {
	e, err := models.UnmarshalEntry(raw)
	if err != nil {
		return nil, err
	}
	if e.OwnerID == "" {
		e.OwnerID = ownerID
	}
	return e, nil
}

// do executes an authenticated request, mapping HTTP failures onto the
// sentinel error kinds the engine branches on. Transport-level failures
// (DNS, refused connection, timeout) become ErrUnreachable.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if c.DeviceID != "" {
		req.Header.Set("X-Device-ID", c.DeviceID)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnreachable, err)
	}

	if resp.StatusCode >= 400 {
		var errBody struct {
			Error apiError `json:"error"`
		}
		message := ""
		if json.Unmarshal(respBody, &errBody) == nil {
			message = errBody.Error.Message
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrUnauthorized, message)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrPermissionDenied, message)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, message)
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return fmt.Errorf("%w: HTTP %d", ErrUnreachable, resp.StatusCode)
		default:
			if errBody.Error.Code != "" {
				return &errBody.Error
			}
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
		}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
