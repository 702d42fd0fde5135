// Package sync orchestrates push, pull, conflict reconciliation and
// retry/backoff between the local store and the remote sync service.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kimhsiao/driftsync/internal/errors"
	"github.com/kimhsiao/driftsync/internal/event"
)

// ChangeSet is one page of the remote change stream.
type ChangeSet struct {
	Events        []event.Envelope `json:"events"`
	NewCursor     *string          `json:"newCursor,omitempty"`
	ServerVersion string           `json:"serverVersion,omitempty"`
}

// RemoteService is the remote sync endpoint the coordinator talks to.
// InsertBatch must be idempotent per event id; the engine will resend
// events whose acknowledgment was lost.
type RemoteService interface {
	InsertBatch(ctx context.Context, events []event.Envelope) error
	QueryChanges(ctx context.Context, sinceCursor *string) (*ChangeSet, error)
}

// HTTPRemote implements RemoteService over HTTP.
// POST {base}/v1/events accepts a batch; GET {base}/v1/changes?cursor=
// pages through the change stream.
type HTTPRemote struct {
	base   string
	token  string
	client *http.Client
}

// NewHTTPRemote creates an HTTPRemote against the given base URL. An
// empty token sends unauthenticated requests.
func NewHTTPRemote(baseURL, token string) *HTTPRemote {
	return &HTTPRemote{
		base:  baseURL,
		token: token,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// InsertBatch pushes a batch of envelopes.
func (r *HTTPRemote) InsertBatch(ctx context.Context, events []event.Envelope) error {
	body, err := json.Marshal(map[string]interface{}{"events": events})
	if err != nil {
		return errors.Wrap(err, errors.ErrInvalidPayload, "encoding event batch")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/v1/events", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, errors.ErrSyncUnknown, "building push request")
	}
	req.Header.Set("Content-Type", "application/json")
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()
	return classifyStatus(resp)
}

// QueryChanges fetches remote changes since the given cursor. A nil
// cursor requests the stream from its beginning.
func (r *HTTPRemote) QueryChanges(ctx context.Context, sinceCursor *string) (*ChangeSet, error) {
	u := r.base + "/v1/changes"
	if sinceCursor != nil {
		u += "?cursor=" + url.QueryEscape(*sinceCursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrSyncUnknown, "building pull request")
	}
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var cs ChangeSet
	if err := json.NewDecoder(resp.Body).Decode(&cs); err != nil {
		return nil, errors.Wrap(err, errors.ErrDataCorruption, "decoding change set")
	}
	return &cs, nil
}

func (r *HTTPRemote) authorize(req *http.Request) {
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
}

// classifyTransport maps transport failures onto the sync error taxonomy.
// Timeouts and connection errors are both retryable network failures.
func classifyTransport(err error) error {
	return errors.Wrap(err, errors.ErrNetworkUnavailable, "remote unreachable")
}

// classifyStatus maps HTTP status codes onto the sync error taxonomy.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.New(errors.ErrAuthRequired, "remote rejected credentials")
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := resp.Header.Get("Retry-After")
		if secs, err := strconv.Atoi(retryAfter); err == nil {
			return errors.Newf(errors.ErrRateLimited, "rate limited, retry after %ds", secs)
		}
		return errors.New(errors.ErrRateLimited, "rate limited")
	case resp.StatusCode == http.StatusInsufficientStorage:
		return errors.New(errors.ErrQuotaExceeded, "remote storage quota exceeded")
	case resp.StatusCode >= 500:
		return errors.Newf(errors.ErrServerError, "server error: %s", readErrorBody(resp))
	default:
		return errors.Newf(errors.ErrServerError, "unexpected status %d: %s", resp.StatusCode, readErrorBody(resp))
	}
}

func readErrorBody(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512))
	if err != nil || len(body) == 0 {
		return fmt.Sprintf("status %d", resp.StatusCode)
	}
	return string(body)
}
