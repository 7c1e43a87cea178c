// Package sourceapi implements the outbound source client: a
// GitHub-shaped issue tracker reached over a bearer token minted
// through a GitHub App JWT exchange, kept almost verbatim from the
// teacher's internal/github/app.go and runner.go.
package sourceapi

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/opsbridge/sync-core/internal/bridgeerr"
	"github.com/opsbridge/sync-core/internal/logging"
	"github.com/opsbridge/sync-core/internal/metrics"
	"github.com/opsbridge/sync-core/internal/model"
	"github.com/opsbridge/sync-core/internal/retry"
)

// App mints short-lived installation tokens for the source provider
// via the App JWT → installation-token exchange.
type App struct {
	AppID          int64
	InstallationID int64
	PrivateKey     []byte

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func (a *App) generateJWT() (string, error) {
	block, _ := pem.Decode(a.PrivateKey)
	if block == nil {
		return "", fmt.Errorf("sourceapi: decode PEM block")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("sourceapi: parse private key: %w", err)
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		Issuer:    strconv.FormatInt(a.AppID, 10),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(key)
}

func (a *App) installationToken(ctx context.Context, httpClient *retry.Client, baseURL string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" && time.Now().Before(a.expiresAt) {
		return a.token, nil
	}

	jwtToken, err := a.generateJWT()
	if err != nil {
		return "", err
	}

	reqURL := fmt.Sprintf("%s/app/installations/%d/access_tokens", baseURL, a.InstallationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(nil))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+jwtToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := httpClient.Do(ctx, req)
	if err != nil {
		return "", fmt.Errorf("sourceapi: request installation token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("sourceapi: unexpected status %d requesting installation token", resp.StatusCode)
	}
	var result struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	a.token = result.Token
	a.expiresAt = result.ExpiresAt.Add(-30 * time.Second)
	return a.token, nil
}

// Comment is a single comment on a source issue.
type Comment struct {
	ID        string
	Body      string
	Author    string
	CreatedAt time.Time
}

// Client is the outbound source client.
type Client struct {
	app     *App
	http    *retry.Client
	baseURL string
	log     *zap.Logger
	metrics *metrics.Registry
}

// NewClient builds a Client authenticating through app.
func NewClient(app *App, httpClient *http.Client, baseURL string, log *zap.Logger, m *metrics.Registry) *Client {
	return &Client{
		app:     app,
		http:    retry.NewClient("src", httpClient),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		log:     log,
		metrics: m,
	}
}

func (c *Client) authedRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	token, err := c.app.installationToken(ctx, c.http, c.baseURL)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindUpstreamTransient, "mint installation token", err)
	}
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.KindInternal, "marshal request", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindInternal, "build request", err)
	}
	req.Header.Set("Authorization", "token "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) call(ctx context.Context, op string, req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.http.Do(ctx, req)
	status := "error"
	if resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	c.metrics.APICallsTotal.WithLabelValues("SRC", op, status).Inc()
	c.metrics.APICallDuration.WithLabelValues("SRC", op).Observe(time.Since(start).Seconds())
	logging.OutboundCall(c.log, "SRC", op, status)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindUpstreamTransient, op, err)
	}
	if resp.StatusCode == 404 {
		return resp, bridgeerr.New(bridgeerr.KindMappingOrphaned, op+": not found")
	}
	if resp.StatusCode >= 400 && resp.StatusCode != 408 && resp.StatusCode != 429 {
		return resp, bridgeerr.New(bridgeerr.KindUpstreamPermanent, fmt.Sprintf("%s: status %d", op, resp.StatusCode))
	}
	return resp, nil
}

// GetIssue fetches a single source issue.
func (c *Client) GetIssue(ctx context.Context, repo string, number int) (model.IssueRecord, error) {
	req, err := c.authedRequest(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/issues/%d", repo, number), nil)
	if err != nil {
		return model.IssueRecord{}, err
	}
	resp, err := c.call(ctx, "get_issue", req)
	if err != nil {
		return model.IssueRecord{}, err
	}
	defer resp.Body.Close()

	var raw issuePayload
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return model.IssueRecord{}, bridgeerr.Wrap(bridgeerr.KindInvalidPayload, "decode issue", err)
	}
	return raw.toIssueRecord(repo), nil
}

// UpdateIssue applies a partial update to a source issue. Transitions
// not permitted by the source API (closing an already-closed issue)
// are treated as soft successes rather than errors.
func (c *Client) UpdateIssue(ctx context.Context, repo string, number int, update model.IssueUpdate) error {
	body := map[string]any{}
	if update.State != nil {
		body["state"] = *update.State
	}
	if update.Title != nil {
		body["title"] = *update.Title
	}
	if update.Body != nil {
		body["body"] = *update.Body
	}
	if update.Labels != nil {
		body["labels"] = *update.Labels
	}
	if update.Assignees != nil {
		body["assignees"] = *update.Assignees
	}
	req, err := c.authedRequest(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/issues/%d", repo, number), body)
	if err != nil {
		return err
	}
	resp, err := c.call(ctx, "update_issue", req)
	if err != nil {
		if bridgeerr.Is(err, bridgeerr.KindUpstreamPermanent) && resp != nil && resp.StatusCode == 422 {
			return nil // soft-success: transition not permitted, treated as already-applied
		}
		return err
	}
	defer resp.Body.Close()
	return nil
}

// CreateComment posts a new comment on a source issue.
func (c *Client) CreateComment(ctx context.Context, repo string, number int, body string) (string, error) {
	req, err := c.authedRequest(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number), map[string]string{"body": body})
	if err != nil {
		return "", err
	}
	resp, err := c.call(ctx, "create_comment", req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var result struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", bridgeerr.Wrap(bridgeerr.KindInvalidPayload, "decode comment", err)
	}
	return strconv.FormatInt(result.ID, 10), nil
}

// ListComments returns the comment thread on a source issue.
func (c *Client) ListComments(ctx context.Context, repo string, number int) ([]Comment, error) {
	req, err := c.authedRequest(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.call(ctx, "list_comments", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var raw []struct {
		ID        int64     `json:"id"`
		Body      string    `json:"body"`
		CreatedAt time.Time `json:"created_at"`
		User      struct {
			Login string `json:"login"`
		} `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindInvalidPayload, "decode comments", err)
	}
	out := make([]Comment, 0, len(raw))
	for _, r := range raw {
		out = append(out, Comment{ID: strconv.FormatInt(r.ID, 10), Body: r.Body, Author: r.User.Login, CreatedAt: r.CreatedAt})
	}
	return out, nil
}

var issueURLPattern = regexp.MustCompile(`^https?://[^/]+/([^/]+)/([^/]+)/issues/(\d+)`)

// ParseRepoFromURL extracts (owner/repo, issue number) from a source
// issue URL, used when a TGT->SRC event only carries a URL-shaped
// property value.
func ParseRepoFromURL(issueURL string) (repo string, number int, err error) {
	if _, err := url.ParseRequestURI(issueURL); err != nil {
		return "", 0, fmt.Errorf("sourceapi: invalid issue url: %w", err)
	}
	m := issueURLPattern.FindStringSubmatch(issueURL)
	if m == nil {
		return "", 0, fmt.Errorf("sourceapi: cannot parse repo from url %q", issueURL)
	}
	n, err := strconv.Atoi(m[3])
	if err != nil {
		return "", 0, fmt.Errorf("sourceapi: invalid issue number in url %q: %w", issueURL, err)
	}
	return m[1] + "/" + m[2], n, nil
}

type issuePayload struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Assignees []struct {
		Login string `json:"login"`
	} `json:"assignees"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	HTMLURL   string    `json:"html_url"`
}

func (p issuePayload) toIssueRecord(repo string) model.IssueRecord {
	labels := make([]string, 0, len(p.Labels))
	for _, l := range p.Labels {
		labels = append(labels, l.Name)
	}
	assignees := make([]string, 0, len(p.Assignees))
	for _, a := range p.Assignees {
		assignees = append(assignees, a.Login)
	}
	return model.IssueRecord{
		SrcRepo:   repo,
		SrcNumber: p.Number,
		Title:     p.Title,
		Body:      p.Body,
		State:     p.State,
		Labels:    labels,
		Assignees: assignees,
		Author:    p.User.Login,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
		URL:       p.HTMLURL,
	}
}
