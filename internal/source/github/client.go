// Package github fetches repository counters from the GitHub REST API.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"

	"gitwatch/internal/watch"
	logx "gitwatch/pkg/logx"
)

const DefaultBaseURL = "https://api.github.com"

type Config struct {
	BaseURL       string
	Token         string
	Timeout       time.Duration // per request, default 15s
	RatePerSec    float64       // default 1
	RetryAttempts uint          // default 3
	RetryDelay    time.Duration // default 1s
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }
func WithLogger(l logx.Logger) Option      { return func(c *Client) { c.log = l } }

func New(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
	}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	return c
}

type repoPayload struct {
	ID          int64  `json:"id"`
	FullName    string `json:"full_name"`
	Description string `json:"description"`
	Language    string `json:"language"`
	Size        int64  `json:"size"`
	Stargazers  int64  `json:"stargazers_count"`
	Subscribers int64  `json:"subscribers_count"`
	OpenIssues  int64  `json:"open_issues_count"`
	Forks       int64  `json:"forks_count"`
}

type searchPayload struct {
	TotalCount int64 `json:"total_count"`
}

type apiError struct {
	Message string `json:"message"`
}

// FetchEntity returns the current counters of fullName. Subscriber ownership
// and timestamps are left zero for the caller to fill.
func (c *Client) FetchEntity(ctx context.Context, fullName string) (watch.Snapshot, error) {
	const op = "github.fetch"
	name, err := ParseRepoName(fullName)
	if err != nil {
		return watch.Snapshot{}, watch.E(watch.KindNotFound, op, err)
	}

	var repo repoPayload
	if err := c.getJSON(ctx, "/repos/"+name, &repo); err != nil {
		return watch.Snapshot{}, err
	}

	q := url.Values{}
	q.Set("q", "repo:"+repo.FullName+" is:pr is:open")
	q.Set("per_page", "1")
	var prs searchPayload
	if err := c.getJSON(ctx, "/search/issues?"+q.Encode(), &prs); err != nil {
		return watch.Snapshot{}, err
	}

	issues := repo.OpenIssues - prs.TotalCount
	if issues < 0 {
		issues = 0
	}
	return watch.Snapshot{
		EntityID: repo.ID,
		FullName: repo.FullName,
		Counters: watch.Counters{
			Stars:    repo.Stargazers,
			Watchers: repo.Subscribers,
			Issues:   issues,
			Pulls:    prs.TotalCount,
			Forks:    repo.Forks,
		}.Clamp(),
		Description: repo.Description,
		Language:    repo.Language,
		Size:        repo.Size,
	}, nil
}

// getJSON performs a throttled GET with retries. Rate limits and missing
// resources are returned at once as classified *watch.Error values.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	target := c.cfg.BaseURL + path
	var final error

	err := retry.Do(
		func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Accept", "application/vnd.github+json")
			req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
			req.Header.Set("User-Agent", "gitwatch")
			if c.cfg.Token != "" {
				req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
			}

			start := time.Now()
			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return err
			}
			c.log.Debug("github request", logx.String("path", path), logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))

			if cerr := classify(resp, body); cerr != nil {
				if k := watch.KindOf(cerr); k == watch.KindRateLimited || k == watch.KindNotFound {
					final = cerr
					return retry.Unrecoverable(cerr)
				}
				if resp.StatusCode >= 400 && resp.StatusCode < 500 {
					final = cerr
					return retry.Unrecoverable(cerr)
				}
				return cerr
			}
			if err := json.Unmarshal(body, out); err != nil {
				final = fmt.Errorf("decode %s: %w", path, err)
				return retry.Unrecoverable(final)
			}
			return nil
		},
		retry.Attempts(c.cfg.RetryAttempts),
		retry.Delay(c.cfg.RetryDelay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(c.cfg.RetryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.log.Info("retrying github request", logx.String("path", path), logx.Uint64("attempt", uint64(n)), logx.Err(err))
		}),
	)
	if final != nil {
		return final
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return watch.E(watch.KindOther, "github.get", fmt.Errorf("%s: %w", path, err))
	}
	return nil
}

func classify(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	msg := ae.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	detail := fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)

	switch {
	case isRateLimited(resp, msg):
		return watch.E(watch.KindRateLimited, "github", detail)
	case resp.StatusCode == http.StatusNotFound:
		return watch.E(watch.KindNotFound, "github", detail)
	}
	return watch.E(watch.KindOther, "github", detail)
}

func isRateLimited(resp *http.Response, msg string) bool {
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusTooManyRequests {
		return false
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if rem := resp.Header.Get("X-RateLimit-Remaining"); rem != "" {
		if n, err := strconv.Atoi(rem); err == nil && n == 0 {
			return true
		}
	}
	return strings.Contains(strings.ToLower(msg), "rate limit exceeded")
}
