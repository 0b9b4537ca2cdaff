// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package calremote implements calsync.RemoteProvider against a Graph-style
// calendar REST API: paged delta queries driven by @odata.nextLink and
// @odata.deltaLink, @removed tombstones and etag preconditions on updates.
package calremote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mobiletoly/go-calsync/calsync"
)

const (
	DefaultBaseURL  = "https://graph.microsoft.com/v1.0"
	defaultPageSize = 100
	maxErrorBody    = 4 << 10
)

// Config holds client settings. Zero values select the defaults.
type Config struct {
	BaseURL    string       // API root, default DefaultBaseURL
	HTTPClient *http.Client // default: 30s timeout
	PageSize   int          // odata.maxpagesize preference for delta queries (default 100)
}

// Client is a calsync.RemoteProvider over HTTP
type Client struct {
	baseURL *url.URL
	http    *http.Client
	pageSz  int
	items   *itemValidator
	logger  *slog.Logger
}

var _ calsync.RemoteProvider = (*Client)(nil)

// NewClient validates the configuration and compiles the delta item schemas
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid provider base URL %q", cfg.BaseURL)
	}
	items, err := newItemValidator()
	if err != nil {
		return nil, fmt.Errorf("compile delta item schemas: %w", err)
	}
	return &Client{
		baseURL: base,
		http:    cfg.HTTPClient,
		pageSz:  cfg.PageSize,
		items:   items,
		logger:  logger,
	}, nil
}

func calendarPath(calendarID string) string {
	if calendarID == "" || calendarID == calsync.DefaultCalendarID {
		return "/me"
	}
	return "/me/calendars/" + url.PathEscape(calendarID)
}

// FetchDelta requests one page. The cursor is the opaque nextLink/deltaLink
// URL handed out by the previous page; it must point at the configured host.
func (c *Client) FetchDelta(ctx context.Context, token, calendarID, cursor string) (*calsync.DeltaPage, error) {
	target := c.endpoint(calendarPath(calendarID) + "/events/delta")
	if cursor != "" {
		u, err := c.resolveCursor(cursor)
		if err != nil {
			return nil, err
		}
		target = u
	}

	var resp deltaResponse
	headers := map[string]string{"Prefer": "odata.maxpagesize=" + strconv.Itoa(c.pageSz)}
	if _, err := c.doJSON(ctx, token, http.MethodGet, target, headers, nil, &resp); err != nil {
		return nil, err
	}

	page := &calsync.DeltaPage{
		Entries:          make([]calsync.DeltaEntry, 0, len(resp.Value)),
		NextPageCursor:   resp.NextLink,
		FinalDeltaCursor: resp.DeltaLink,
	}
	for _, raw := range resp.Value {
		page.Entries = append(page.Entries, c.decodeItem(raw))
	}
	return page, nil
}

func (c *Client) CreateEvent(ctx context.Context, token, calendarID string, fields calsync.EventFields) (*calsync.RemoteRef, error) {
	body, err := encodeEvent(fields)
	if err != nil {
		return nil, err
	}
	var created graphEvent
	_, err = c.doJSON(ctx, token, http.MethodPost, c.endpoint(calendarPath(calendarID)+"/events"), nil, body, &created)
	if err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, &calsync.ProviderError{StatusCode: http.StatusCreated, Message: "create response without event id"}
	}
	return &calsync.RemoteRef{ID: created.ID, ETag: created.ETag}, nil
}

func (c *Client) UpdateEvent(ctx context.Context, token, providerID, etag string, fields calsync.EventFields) (string, error) {
	body, err := encodeEvent(fields)
	if err != nil {
		return "", err
	}
	var headers map[string]string
	if etag != "" {
		headers = map[string]string{"If-Match": etag}
	}
	var updated graphEvent
	hdr, err := c.doJSON(ctx, token, http.MethodPatch, c.endpoint("/me/events/"+url.PathEscape(providerID)), headers, body, &updated)
	if err != nil {
		return "", err
	}
	if updated.ETag != "" {
		return updated.ETag, nil
	}
	return hdr.Get("ETag"), nil
}

func (c *Client) DeleteEvent(ctx context.Context, token, providerID string) error {
	_, err := c.doJSON(ctx, token, http.MethodDelete, c.endpoint("/me/events/"+url.PathEscape(providerID)), nil, nil, nil)
	return err
}

func (c *Client) ListCalendars(ctx context.Context, token string) ([]calsync.Calendar, error) {
	target := c.endpoint("/me/calendars")
	calendars := make([]calsync.Calendar, 0)
	for pages := 0; target != ""; pages++ {
		if pages >= 50 {
			return nil, &calsync.ProviderError{Message: "calendar listing exceeded 50 pages"}
		}
		var resp calendarsResponse
		if _, err := c.doJSON(ctx, token, http.MethodGet, target, nil, nil, &resp); err != nil {
			return nil, err
		}
		for _, cal := range resp.Value {
			calendars = append(calendars, calsync.Calendar{
				ID:        cal.ID,
				Name:      cal.Name,
				IsDefault: cal.IsDefaultCalendar,
				CanEdit:   cal.CanEdit,
			})
		}
		target = ""
		if resp.NextLink != "" {
			u, err := c.resolveCursor(resp.NextLink)
			if err != nil {
				return nil, err
			}
			target = u
		}
	}
	return calendars, nil
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.String() + path
}

// resolveCursor accepts absolute links on the provider host and relative links
func (c *Client) resolveCursor(cursor string) (string, error) {
	u, err := url.Parse(cursor)
	if err != nil {
		return "", &calsync.ProviderError{Message: fmt.Sprintf("malformed delta cursor: %v", err)}
	}
	if !u.IsAbs() {
		return c.baseURL.ResolveReference(u).String(), nil
	}
	if u.Host != c.baseURL.Host {
		return "", &calsync.ProviderError{Message: fmt.Sprintf("delta cursor points at foreign host %q", u.Host)}
	}
	return u.String(), nil
}

// doJSON performs one request. Transport failures and non-2xx responses are
// mapped onto the calsync error taxonomy; nothing is retried here.
func (c *Client) doJSON(
	ctx context.Context,
	token, method, target string,
	headers map[string]string,
	body any,
	out any,
) (http.Header, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &calsync.ProviderError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := statusError(resp, payload)
		c.logger.Debug("Provider request failed",
			"method", method,
			"status", resp.StatusCode,
			"error", err)
		return resp.Header, err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.Header, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return resp.Header, &calsync.ProviderError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return resp.Header, nil
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func statusError(resp *http.Response, payload []byte) error {
	var ge graphError
	_ = json.Unmarshal(payload, &ge)
	msg := ge.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(payload))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	detail := fmt.Errorf("provider returned status %d: %s", resp.StatusCode, msg)

	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &calsync.AuthenticationError{Err: detail}
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %v", calsync.ErrNotFound, detail)
	case code == http.StatusGone || ge.Error.Code == "syncStateNotFound":
		return fmt.Errorf("%w: %v", calsync.ErrCursorExpired, detail)
	case code == http.StatusPreconditionFailed || code == http.StatusConflict:
		return fmt.Errorf("%w: %v", calsync.ErrRemoteChanged, detail)
	case code == http.StatusTooManyRequests:
		return &calsync.ProviderError{
			StatusCode:  code,
			RateLimited: true,
			RetryAfter:  parseRetryAfter(resp.Header.Get("Retry-After")),
			Message:     msg,
		}
	case code >= 500:
		return &calsync.ProviderError{StatusCode: code, Message: msg}
	default:
		return &calsync.ValidationError{Message: detail.Error()}
	}
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}
