package sourceapi

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opsbridge/sync-core/internal/bridgeerr"
	"github.com/opsbridge/sync-core/internal/metrics"
	"github.com/opsbridge/sync-core/internal/model"
)

func testPrivateKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

func newTestApp(t *testing.T) *App {
	return &App{AppID: 1, InstallationID: 2, PrivateKey: testPrivateKeyPEM(t)}
}

func newTestSrcClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	m := metrics.NewRegistry(prometheus.NewRegistry())
	return NewClient(newTestApp(t), &http.Client{Timeout: 5 * time.Second}, srv.URL, zap.NewNop(), m)
}

func muxWithInstallationToken(t *testing.T, issue http.HandlerFunc) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/app/installations/") {
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"token":      "installation-token",
				"expires_at": time.Now().Add(time.Hour),
			})
			return
		}
		issue(w, r)
	}
}

func TestGetIssue_DecodesIssueRecord(t *testing.T) {
	issueHandler := func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "token installation-token", r.Header.Get("Authorization"))
		require.Equal(t, "/repos/acme/widgets/issues/42", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"number":     42,
			"title":      "Widget jammed",
			"body":       "it jams",
			"state":      "open",
			"labels":     []map[string]string{{"name": "bug"}},
			"assignees":  []map[string]string{{"login": "ana"}},
			"user":       map[string]string{"login": "bob"},
			"created_at": "2026-01-01T00:00:00Z",
			"updated_at": "2026-01-02T00:00:00Z",
			"html_url":   "https://example.test/acme/widgets/issues/42",
		})
	}
	c := newTestSrcClient(t, muxWithInstallationToken(t, issueHandler))

	issue, err := c.GetIssue(context.Background(), "acme/widgets", 42)
	require.NoError(t, err)
	require.Equal(t, "Widget jammed", issue.Title)
	require.Equal(t, []string{"bug"}, issue.Labels)
	require.Equal(t, []string{"ana"}, issue.Assignees)
	require.Equal(t, "bob", issue.Author)
}

func TestUpdateIssue_TreatsUnprocessableAsSoftSuccess(t *testing.T) {
	issueHandler := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	c := newTestSrcClient(t, muxWithInstallationToken(t, issueHandler))

	closed := "closed"
	err := c.UpdateIssue(context.Background(), "acme/widgets", 42, model.IssueUpdate{State: &closed})
	require.NoError(t, err)
}

func TestUpdateIssue_ReturnsErrorOnOtherFailures(t *testing.T) {
	issueHandler := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}
	c := newTestSrcClient(t, muxWithInstallationToken(t, issueHandler))

	title := "new title"
	err := c.UpdateIssue(context.Background(), "acme/widgets", 42, model.IssueUpdate{Title: &title})
	require.Error(t, err)
	require.True(t, bridgeerr.Is(err, bridgeerr.KindUpstreamPermanent))
}

func TestGetIssue_ReturnsOrphanedKindOn404(t *testing.T) {
	issueHandler := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}
	c := newTestSrcClient(t, muxWithInstallationToken(t, issueHandler))

	_, err := c.GetIssue(context.Background(), "acme/widgets", 42)
	require.Error(t, err)
	require.True(t, bridgeerr.Is(err, bridgeerr.KindMappingOrphaned))
}

func TestCreateComment_ReturnsNewCommentID(t *testing.T) {
	issueHandler := func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		require.Equal(t, "hello", body["body"])
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 99})
	}
	c := newTestSrcClient(t, muxWithInstallationToken(t, issueHandler))

	id, err := c.CreateComment(context.Background(), "acme/widgets", 42, "hello")
	require.NoError(t, err)
	require.Equal(t, "99", id)
}

func TestListComments_DecodesThread(t *testing.T) {
	issueHandler := func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"id": 1, "body": "first", "created_at": "2026-01-01T00:00:00Z", "user": map[string]string{"login": "ana"}},
			{"id": 2, "body": "second", "created_at": "2026-01-02T00:00:00Z", "user": map[string]string{"login": "bob"}},
		})
	}
	c := newTestSrcClient(t, muxWithInstallationToken(t, issueHandler))

	comments, err := c.ListComments(context.Background(), "acme/widgets", 42)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	require.Equal(t, "1", comments[0].ID)
	require.Equal(t, "ana", comments[0].Author)
}

func TestParseRepoFromURL_ExtractsRepoAndNumber(t *testing.T) {
	repo, number, err := ParseRepoFromURL("https://example.test/acme/widgets/issues/42")
	require.NoError(t, err)
	require.Equal(t, "acme/widgets", repo)
	require.Equal(t, 42, number)
}

func TestParseRepoFromURL_RejectsMalformedURL(t *testing.T) {
	_, _, err := ParseRepoFromURL("not-a-url")
	require.Error(t, err)
}

func TestParseRepoFromURL_RejectsNonIssueURL(t *testing.T) {
	_, _, err := ParseRepoFromURL("https://example.test/acme/widgets/pulls/42")
	require.Error(t, err)
}
