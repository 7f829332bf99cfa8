// Package apiclient talks to the chorus daemon HTTP API on behalf of the CLI.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"chorus/internal/api"
)

var ErrAPIUnavailable = errors.New("chorus API unavailable")

// Caller identity headers understood by the daemon.
const (
	headerUser = "X-Chorus-User"
	headerRole = "X-Chorus-Role"
)

// Options configures authentication and caller identity.
type Options struct {
	Token string
	User  string
	Role  string
}

// Client issues requests against a daemon.
type Client struct {
	base *url.URL
	http *http.Client
	opts Options
}

// StatusError is a non-2xx response. Limit and Insufficient are set when the
// daemon returned the corresponding structured body.
type StatusError struct {
	Code         int
	Message      string
	Limit        *api.DownloadLimit
	Insufficient *api.InsufficientUnits
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned status %d", e.Code)
	}
	return fmt.Sprintf("api returned status %d: %s", e.Code, e.Message)
}

// New builds a client for bind (host:port or URL). An empty bind yields a
// nil client whose calls fail with ErrAPIUnavailable.
func New(bind string, opts Options) (*Client, error) {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil, nil
	}
	if !strings.Contains(bind, "://") {
		bind = "http://" + bind
	}
	base, err := url.Parse(bind)
	if err != nil {
		return nil, err
	}
	base.Path = ""
	base.RawQuery = ""
	base.Fragment = ""

	return &Client{
		base: base,
		// No timeout - archive downloads run until the caller cancels.
		http: &http.Client{},
		opts: opts,
	}, nil
}

// TriggerConsensus submits consensus work for unitIDs.
func (c *Client) TriggerConsensus(ctx context.Context, unitIDs []int64) (api.ConsensusResponse, error) {
	var out api.ConsensusResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/consensus", nil, api.ConsensusRequest{UnitIDs: unitIDs}, &out)
	return out, err
}

// Task fetches a background task.
func (c *Client) Task(ctx context.Context, id string) (api.Task, error) {
	var out api.Task
	err := c.doJSON(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// CreateBatch requests a new export batch.
func (c *Client) CreateBatch(ctx context.Context, req api.CreateBatchRequest) (api.BatchResponse, error) {
	var out api.BatchResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/batches", nil, req, &out)
	return out, err
}

// ListBatches lists batches, optionally filtered by status.
func (c *Client) ListBatches(ctx context.Context, statuses ...string) ([]api.Batch, error) {
	values := url.Values{}
	for _, status := range statuses {
		if trimmed := strings.TrimSpace(status); trimmed != "" {
			values.Add("status", trimmed)
		}
	}
	var out api.BatchListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/batches", values, nil, &out); err != nil {
		return nil, err
	}
	return out.Batches, nil
}

// Batch fetches one batch.
func (c *Client) Batch(ctx context.Context, id string) (api.Batch, error) {
	var out api.BatchResponse
	err := c.doJSON(ctx, http.MethodGet, "/api/batches/"+url.PathEscape(id), nil, nil, &out)
	return out.Batch, err
}

// RetryBatch re-enqueues a failed batch.
func (c *Client) RetryBatch(ctx context.Context, id string) (api.BatchResponse, error) {
	var out api.BatchResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/batches/"+url.PathEscape(id)+"/retry", nil, nil, &out)
	return out, err
}

// Download is the outcome of a download request. Link is set for remote
// archives; otherwise the archive bytes were written to the destination.
type Download struct {
	Link     *api.DownloadLink
	FileName string
	Bytes    int64
	Checksum string
}

// DownloadBatch streams a local archive into dst, or returns the presigned
// link for a remote one.
func (c *Client) DownloadBatch(ctx context.Context, id string, dst io.Writer) (Download, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/batches/"+url.PathEscape(id)+"/download", nil, nil)
	if err != nil {
		return Download{}, err
	}
	defer resp.Body.Close()

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var link api.DownloadLink
		if err := json.NewDecoder(resp.Body).Decode(&link); err != nil {
			return Download{}, err
		}
		return Download{Link: &link, FileName: link.FileName, Checksum: link.Checksum}, nil
	}

	out := Download{Checksum: resp.Header.Get("X-Checksum-SHA256")}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		out.FileName = params["filename"]
	}
	n, err := io.Copy(dst, resp.Body)
	out.Bytes = n
	if err != nil {
		return out, fmt.Errorf("read archive: %w", err)
	}
	return out, nil
}

// ReviewQueue lists units awaiting review.
func (c *Client) ReviewQueue(ctx context.Context, limit int) ([]api.ReviewUnit, error) {
	var out api.ReviewListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/review", limitQuery(limit), nil, &out); err != nil {
		return nil, err
	}
	return out.Units, nil
}

// Review records a decision for unitID.
func (c *Client) Review(ctx context.Context, unitID int64, decision, note string) error {
	path := "/api/units/" + strconv.FormatInt(unitID, 10) + "/review"
	return c.doJSON(ctx, http.MethodPost, path, nil, api.ReviewRequest{Decision: decision, Note: note}, nil)
}

// Quota fetches metered usage.
func (c *Client) Quota(ctx context.Context) (api.QuotaStatus, error) {
	var out api.QuotaStatus
	err := c.doJSON(ctx, http.MethodGet, "/api/quota", nil, nil, &out)
	return out, err
}

// Alerts lists recent alerts.
func (c *Client) Alerts(ctx context.Context, limit int) ([]api.Alert, error) {
	var out api.AlertListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/alerts", limitQuery(limit), nil, &out); err != nil {
		return nil, err
	}
	return out.Alerts, nil
}

// Status fetches daemon status.
func (c *Client) Status(ctx context.Context) (api.Status, error) {
	var out api.Status
	err := c.doJSON(ctx, http.MethodGet, "/api/status", nil, nil, &out)
	return out, err
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": []string{strconv.Itoa(limit)}}
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, dst any) error {
	resp, err := c.send(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if dst == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// send performs the request and converts error statuses into *StatusError.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	if c == nil {
		return nil, ErrAPIUnavailable
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	endpoint := c.base.ResolveReference(&url.URL{Path: path, RawQuery: query.Encode()})
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	if c.opts.User != "" {
		req.Header.Set(headerUser, c.opts.User)
	}
	if c.opts.Role != "" {
		req.Header.Set(headerRole, c.opts.Role)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, decodeStatusError(resp)
}

func decodeStatusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	statusErr := &StatusError{Code: resp.StatusCode}
	var generic api.ErrorResponse
	if json.Unmarshal(data, &generic) == nil {
		statusErr.Message = generic.Error
	} else {
		statusErr.Message = strings.TrimSpace(string(data))
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		var limit api.DownloadLimit
		if json.Unmarshal(data, &limit) == nil {
			statusErr.Limit = &limit
		}
	case http.StatusConflict:
		var insufficient api.InsufficientUnits
		if json.Unmarshal(data, &insufficient) == nil && insufficient.Required > 0 {
			statusErr.Insufficient = &insufficient
		}
	}
	return statusErr
}

// IsAPIUnavailable reports whether err means the daemon could not be reached.
func IsAPIUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		err = urlErr.Err
	}
	var opErr *net.OpError
	return errors.Is(err, ErrAPIUnavailable) || errors.As(err, &opErr)
}
