// Package cloud is the HTTP client for the authoritative backend. It backs
// both mutation replay and role resolution.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opsante/clinicsync/internal/errors"
	"github.com/opsante/clinicsync/internal/models"
)

// Client talks to the cloud API. The per-call credential is a bearer token
// (the cached session's access token, or the deployment API key).
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// New creates a cloud client. apiKey is the fallback credential for calls
// that carry no session token. timeout bounds each request end to end; the
// replayer additionally imposes its own per-item deadline.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type mutationRequest struct {
	ClientID  string          `json:"client_id"`
	TableName string          `json:"table_name"`
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
}

// Apply replays one queued mutation. The server deduplicates on client_id,
// so a 409 means the mutation already landed and counts as success.
func (c *Client) Apply(ctx context.Context, credential string, m *models.QueuedMutation) error {
	body, err := json.Marshal(mutationRequest{
		ClientID:  string(m.ClientID),
		TableName: m.TableName,
		Operation: string(m.Operation),
		Payload:   m.Payload,
	})
	if err != nil {
		return errors.Wrap(errors.ErrSyncReplay, "encode mutation", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/sync/mutations", credential, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Already applied on a previous attempt.
		return nil
	default:
		return errors.New(errors.ErrSyncReplay, httpError(resp))
	}
}

// SeedReplica asks the backend for a full replica download and returns
// per-table record counts.
func (c *Client) SeedReplica(ctx context.Context, credential string) ([]models.TableCount, error) {
	resp, err := c.do(ctx, http.MethodPost, "/sync/seed", credential, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.New(errors.ErrSyncSeed, httpError(resp))
	}

	var result struct {
		Tables []models.TableCount `json:"tables"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(errors.ErrSyncSeed, "decode seed response", err)
	}
	return result.Tables, nil
}

// FetchRoles looks up the user's authorization roles. HTTP 429 maps to
// ROLE_RATE_LIMIT so the resolver can back off.
func (c *Client) FetchRoles(ctx context.Context, userID string) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/users/"+userID+"/roles", "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errors.New(errors.ErrRoleRateLimit, "role endpoint rate limited")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, errors.New(errors.ErrRoleFetch, httpError(resp))
	}

	var result struct {
		Roles []string `json:"roles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(errors.ErrRoleFetch, "decode roles response", err)
	}
	return result.Roles, nil
}

func (c *Client) do(ctx context.Context, method, path, credential string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if credential == "" {
		credential = c.apiKey
	}
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrSyncReplay, "cloud request failed", err)
	}
	return resp, nil
}

func httpError(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		return fmt.Sprintf("cloud returned status %d", resp.StatusCode)
	}
	return fmt.Sprintf("cloud returned status %d: %s", resp.StatusCode, msg)
}
