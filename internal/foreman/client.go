// Package foreman is a small client for the Foreman monitoring API.
package foreman

import (
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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	logx "foremanbot/pkg/logx"
)

type Config struct {
	BaseURL string
	// Channel is the notifications destination type ("discord", "telegram").
	Channel string
	Timeout time.Duration
	// PickaxeConcurrency bounds parallel miner fetches.
	PickaxeConcurrency int
}

type Client struct {
	base    *url.URL
	channel string
	http    *http.Client
	limit   int
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("foreman: invalid base url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	limit := cfg.PickaxeConcurrency
	if limit <= 0 {
		limit = 4
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "discord"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base:    u,
		channel: channel,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limit: limit,
		log:   log.With(logx.String("comp", "foreman")),
	}, nil
}

// Ping checks that the API is reachable.
func (c *Client) Ping(ctx context.Context) (bool, error) {
	return c.ping(ctx, "/api/ping", nil)
}

// PingClient checks the credentials. Rejected credentials are (false, nil).
func (c *Client) PingClient(ctx context.Context, creds Credentials) (bool, error) {
	return c.ping(ctx, "/api/ping/"+strconv.Itoa(creds.ClientID), &creds)
}

func (c *Client) ping(ctx context.Context, path string, creds *Credentials) (bool, error) {
	err := c.getJSON(ctx, path, nil, creds, nil)
	var se *StatusError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &se) && (se.Unauthorized() || se.Code == http.StatusNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Pickaxes lists the client's collector instances.
func (c *Client) Pickaxes(ctx context.Context, creds Credentials) ([]Pickaxe, error) {
	var out []Pickaxe
	err := c.getJSON(ctx, "/api/pickaxe/"+strconv.Itoa(creds.ClientID), nil, &creds, &out)
	return out, err
}

// Miners returns every miner across all of the client's pickaxes.
func (c *Client) Miners(ctx context.Context, creds Credentials) ([]Miner, error) {
	pickaxes, err := c.Pickaxes(ctx, creds)
	if err != nil {
		return nil, err
	}

	results := make([][]Miner, len(pickaxes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.limit)
	for i, p := range pickaxes {
		g.Go(func() error {
			var ms []Miner
			q := url.Values{"pickaxe": {p.Key}}
			if err := c.getJSON(gctx, "/api/miners/"+strconv.Itoa(creds.ClientID), q, &creds, &ms); err != nil {
				return fmt.Errorf("pickaxe %s: %w", p.Key, err)
			}
			results[i] = ms
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Miner
	for _, ms := range results {
		all = append(all, ms...)
	}
	return all, nil
}

// Notifications returns notifications with id greater than since, created
// at or after floor, ordered by the API (ascending id).
func (c *Client) Notifications(ctx context.Context, creds Credentials, since int64, floor time.Time) ([]Notification, error) {
	q := url.Values{"since": {strconv.FormatInt(since, 10)}}
	if !floor.IsZero() {
		q.Set("start", floor.UTC().Format(time.RFC3339))
	}
	var out []Notification
	path := "/api/notifications/" + strconv.Itoa(creds.ClientID) + "/" + url.PathEscape(c.channel)
	err := c.getJSON(ctx, path, q, &creds, &out)
	return out, err
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, creds *Credentials, out any) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if creds != nil {
		req.Header.Set("Authorization", "Token "+creds.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("foreman: %s: %w", path, err)
	}
	defer resp.Body.Close()
	c.log.Trace("api call", logx.String("path", path), logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))

	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		se := &StatusError{Path: path, Code: resp.StatusCode}
		if se.Code == http.StatusTooManyRequests || se.Code == http.StatusServiceUnavailable {
			se.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		}
		return se
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(out); err != nil {
		return fmt.Errorf("foreman: %s: decode: %w", path, err)
	}
	return nil
}

// parseRetryAfter reads delta-seconds or an HTTP date. Anything else, and
// dates in the past, give zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(max(secs, 0)) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
