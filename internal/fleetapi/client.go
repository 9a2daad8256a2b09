package fleetapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleetwatch/internal/alerts"
	"fleetwatch/internal/fleet"
)

const maxResponseBytes = 8 << 20

// StatusError is returned when the registry answers with a non-success status.
// The body is never parsed as data in that case.
type StatusError struct {
	Op     string
	Status int
	Reason string
}

func (e *StatusError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: registry returned %d: %s", e.Op, e.Status, e.Reason)
	}
	return fmt.Sprintf("%s: registry returned %d", e.Op, e.Status)
}

// Temporary reports whether retrying later may succeed.
func (e *StatusError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests || e.Status == http.StatusRequestTimeout
}

// Transient reports whether a failed call may succeed when retried later:
// transport failures and temporary statuses. Rejections such as 404 or 422
// are not transient.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return !errors.Is(err, context.Canceled)
}

// Reason extracts the registry-provided reason from err, falling back to the
// error text.
func Reason(err error) string {
	var se *StatusError
	if errors.As(err, &se) && se.Reason != "" {
		return se.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

type Options struct {
	BaseURL string
	Timeout time.Duration
	// HTTPClient overrides the default client; Timeout is ignored then.
	HTTPClient *http.Client
}

// Client talks to the remote fleet registry over HTTP/JSON.
type Client struct {
	log  zerolog.Logger
	http *http.Client

	mu   sync.RWMutex
	base *url.URL
}

func New(log zerolog.Logger, opts Options) (*Client, error) {
	base, err := parseBase(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		log:  log.With().Str("component", "fleetapi").Logger(),
		http: hc,
		base: base,
	}, nil
}

func parseBase(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("fleet registry base URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse fleet registry URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("fleet registry URL must be http or https, got %q", raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u, nil
}

// BaseURL returns the registry endpoint currently in use.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.base.String()
}

// SetBaseURL repoints the client, e.g. after service discovery found a new
// endpoint. Requests already in flight keep their original target.
func (c *Client) SetBaseURL(raw string) error {
	u, err := parseBase(raw)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.base = u
	return nil
}

// ListEntities fetches the full vessel snapshot.
func (c *Client) ListEntities(ctx context.Context) ([]fleet.Entity, error) {
	var raw []json.RawMessage
	if err := c.do(ctx, "list entities", http.MethodGet, "/entities", nil, &raw); err != nil {
		return nil, err
	}
	return decodeEntities(raw), nil
}

// CreateEntity registers a vessel and returns the canonical record with the
// server-assigned id. The registry may answer without the kind details; see
// fleet.Catalog.Fill.
func (c *Client) CreateEntity(ctx context.Context, name string, kind int, pos fleet.Position) (fleet.Entity, error) {
	req := createRequest{Name: name, Kind: kind, Latitude: pos.Lat, Longitude: pos.Lng}
	var w wireEntity
	if err := c.do(ctx, "create entity", http.MethodPost, "/entities", req, &w); err != nil {
		return fleet.Entity{}, err
	}
	e := w.entity()
	if err := e.Validate(); err != nil {
		return fleet.Entity{}, fmt.Errorf("create entity: %w", err)
	}
	return e, nil
}

// RelocateEntity moves a vessel and returns the registry's confirmation text.
func (c *Client) RelocateEntity(ctx context.Context, id fleet.ID, pos fleet.Position) (string, error) {
	var resp messageResponse
	path := "/entities/" + url.PathEscape(string(id)) + "/position"
	if err := c.do(ctx, "relocate entity", http.MethodPost, path, positionRequest{Latitude: pos.Lat, Longitude: pos.Lng}, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

func (c *Client) DeleteEntity(ctx context.Context, id fleet.ID) error {
	return c.do(ctx, "delete entity", http.MethodDelete, "/entities/"+url.PathEscape(string(id)), nil, nil)
}

// ListKinds fetches the vessel type catalog.
func (c *Client) ListKinds(ctx context.Context) ([]fleet.Kind, error) {
	var raw []wireKind
	if err := c.do(ctx, "list kinds", http.MethodGet, "/entity-kinds", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]fleet.Kind, 0, len(raw))
	for _, w := range raw {
		k, ok := w.kind()
		if !ok {
			c.log.Warn().Str("id", string(w.ID)).Msg("dropping kind without numeric id")
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

func (c *Client) ListAlertTypes(ctx context.Context) ([]alerts.Type, error) {
	var raw []wireAlertType
	if err := c.do(ctx, "list alert types", http.MethodGet, "/alert-types", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]alerts.Type, 0, len(raw))
	for _, w := range raw {
		out = append(out, w.alertType())
	}
	return out, nil
}

func (c *Client) ListAlertResults(ctx context.Context) ([]alerts.Result, error) {
	var raw []wireAlertResult
	if err := c.do(ctx, "list alert results", http.MethodGet, "/alert-results", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]alerts.Result, 0, len(raw))
	for _, w := range raw {
		out = append(out, w.alertResult())
	}
	return out, nil
}

func (c *Client) TriggerAlert(ctx context.Context, t alerts.Trigger) (alerts.Assignment, error) {
	req := triggerRequest{
		AlertID:          t.AlertID,
		Latitude:         t.Position.Lat,
		Longitude:        t.Position.Lng,
		ClimateCondition: t.ClimateCondition,
	}
	var resp triggerResponse
	if err := c.do(ctx, "trigger alert", http.MethodPost, "/alerts", req, &resp); err != nil {
		return alerts.Assignment{}, err
	}
	return alerts.Assignment{
		AlertType:        resp.AlertType,
		AssignedEntityID: fleet.ID(resp.BestShip),
		Score:            floatOr(resp.FinalScore, 0),
	}, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	c.mu.RLock()
	target := c.base.JoinPath(path)
	c.mu.RUnlock()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}

	c.log.Debug().
		Str("op", op).
		Str("method", method).
		Str("url", target.String()).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("registry request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: op, Status: resp.StatusCode, Reason: reasonFromBody(payload)}
	}
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// reasonFromBody pulls a human-readable reason out of an error response:
// FastAPI-style "detail" (string or list of {msg}), "message", or "error"
// (string or {message}). Non-JSON bodies are used verbatim, truncated.
func reasonFromBody(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return ""
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(b, &env); err == nil {
		for _, key := range []string{"detail", "message", "error"} {
			if v, ok := env[key]; ok {
				if s := reasonFromValue(v); s != "" {
					return s
				}
			}
		}
		return ""
	}

	s := string(b)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func reasonFromValue(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Message string `json:"message"`
		Msg     string `json:"msg"`
	}
	if err := json.Unmarshal(v, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		return obj.Msg
	}
	var list []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(v, &list); err == nil {
		msgs := make([]string, 0, len(list))
		for _, item := range list {
			if item.Msg != "" {
				msgs = append(msgs, item.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return ""
}
