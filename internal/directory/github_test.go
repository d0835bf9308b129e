package directory

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/privileged-access/pkg/tokenstore"
)

func generateTestKey(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

// fakeGitHub serves the handful of org team endpoints the adapter uses.
type fakeGitHub struct {
	mu       sync.Mutex
	teams    map[string]map[string]bool
	outside  map[string]bool // not org members: a PUT only invites them
	invited  map[string]bool
	mints    atomic.Int32
	fail     int // status returned for the next team call, 0 for none
	pageSize int
	srv      *httptest.Server
	t        *testing.T
}

func newFakeGitHub(t *testing.T) *fakeGitHub {
	f := &fakeGitHub{
		teams:    map[string]map[string]bool{"tier0-admin": {}},
		outside:  map[string]bool{},
		invited:  map[string]bool{},
		pageSize: 2,
		t:        t,
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGitHub) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if strings.HasPrefix(r.URL.Path, "/app/installations/") {
		assert.True(f.t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "))
		f.mints.Add(1)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"token":      "ghs_test_token",
			"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
		})
		return
	}

	assert.Equal(f.t, "token ghs_test_token", r.Header.Get("Authorization"))

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != 0 {
		w.WriteHeader(f.fail)
		fmt.Fprint(w, `{"message":"injected"}`)
		f.fail = 0
		return
	}

	// /orgs/acme/teams/{slug}/memberships/{user} or /orgs/acme/teams/{slug}/members
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 5 || parts[0] != "orgs" || parts[1] != "acme" || parts[2] != "teams" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	team, ok := f.teams[parts[3]]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found"}`)
		return
	}

	switch {
	case parts[4] == "members" && r.Method == http.MethodGet:
		var logins []string
		for u := range team {
			logins = append(logins, u)
		}
		sort.Strings(logins)
		start := 0
		if r.URL.Query().Get("page") == "2" {
			start = f.pageSize
		} else if len(logins) > f.pageSize {
			w.Header().Set("Link", fmt.Sprintf(`<%s%s?page=2>; rel="next"`, f.srv.URL, r.URL.Path))
		}
		end := start + f.pageSize
		if end > len(logins) {
			end = len(logins)
		}
		users := []map[string]string{}
		if start < len(logins) {
			for _, l := range logins[start:end] {
				users = append(users, map[string]string{"login": l})
			}
		}
		json.NewEncoder(w).Encode(users)

	case parts[4] == "memberships" && len(parts) == 6:
		user := parts[5]
		switch r.Method {
		case http.MethodGet:
			if f.invited[user] {
				json.NewEncoder(w).Encode(map[string]string{"state": "pending", "role": "member"})
				return
			}
			if !team[user] {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"message":"Not Found"}`)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"state": "active", "role": "member"})
		case http.MethodPut:
			if user == "ghost" {
				w.WriteHeader(http.StatusUnprocessableEntity)
				fmt.Fprint(w, `{"message":"Validation Failed"}`)
				return
			}
			if f.outside[user] {
				f.invited[user] = true
				json.NewEncoder(w).Encode(map[string]string{"state": "pending", "role": "member"})
				return
			}
			team[user] = true
			json.NewEncoder(w).Encode(map[string]string{"state": "active", "role": "member"})
		case http.MethodDelete:
			if f.invited[user] {
				delete(f.invited, user)
				w.WriteHeader(http.StatusNoContent)
				return
			}
			if !team[user] {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"message":"Not Found"}`)
				return
			}
			delete(team, user)
			w.WriteHeader(http.StatusNoContent)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestGitHub(t *testing.T, f *fakeGitHub) *GitHub {
	t.Helper()
	g, err := NewGitHub(GitHubConfig{
		AppID:          12345,
		InstallationID: 67890,
		PrivateKey:     generateTestKey(t),
		Org:            "acme",
		BaseURL:        f.srv.URL,
	}, tokenstore.NewMemoryStore(), zerolog.Nop())
	require.NoError(t, err)
	return g
}

func TestGitHub_Lifecycle(t *testing.T) {
	f := newFakeGitHub(t)
	g := newTestGitHub(t, f)
	ctx := context.Background()

	res, err := g.AddMember(ctx, "tier0-admin", "alice")
	require.NoError(t, err)
	assert.Equal(t, Success, res)

	res, err = g.AddMember(ctx, "tier0-admin", "alice")
	require.NoError(t, err)
	assert.Equal(t, AlreadyMember, res)

	res, err = g.RemoveMember(ctx, "tier0-admin", "alice")
	require.NoError(t, err)
	assert.Equal(t, Success, res)

	res, err = g.RemoveMember(ctx, "tier0-admin", "alice")
	require.NoError(t, err)
	assert.Equal(t, NotMember, res)

	assert.Equal(t, int32(1), f.mints.Load(), "installation token is cached")
}

func TestGitHub_PendingInvitationIsNotApplied(t *testing.T) {
	f := newFakeGitHub(t)
	f.outside["dana"] = true
	g := newTestGitHub(t, f)
	ctx := context.Background()

	_, err := g.AddMember(ctx, "tier0-admin", "dana")
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	f.mu.Lock()
	assert.True(t, f.invited["dana"])
	f.mu.Unlock()

	// still pending on the retry
	_, err = g.AddMember(ctx, "tier0-admin", "dana")
	assert.True(t, IsUnavailable(err))

	members, err := g.ListMembers(ctx, "tier0-admin")
	require.NoError(t, err)
	assert.NotContains(t, members, "dana")

	// once accepted the membership counts
	f.mu.Lock()
	delete(f.invited, "dana")
	f.teams["tier0-admin"]["dana"] = true
	f.mu.Unlock()
	res, err := g.AddMember(ctx, "tier0-admin", "dana")
	require.NoError(t, err)
	assert.Equal(t, AlreadyMember, res)

	res, err = g.RemoveMember(ctx, "tier0-admin", "dana")
	require.NoError(t, err)
	assert.Equal(t, Success, res)
}

func TestGitHub_ListMembersPaginates(t *testing.T) {
	f := newFakeGitHub(t)
	f.teams["tier0-admin"] = map[string]bool{"carol": true, "alice": true, "bob": true}
	g := newTestGitHub(t, f)

	members, err := g.ListMembers(context.Background(), "tier0-admin")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, members)
}

func TestGitHub_ErrorClasses(t *testing.T) {
	f := newFakeGitHub(t)
	g := newTestGitHub(t, f)
	ctx := context.Background()

	_, err := g.AddMember(ctx, "tier0-admin", "ghost")
	assert.True(t, IsRejected(err), "unknown user is a definite failure")

	_, err = g.ListMembers(ctx, "no-such-team")
	assert.True(t, IsRejected(err))

	f.mu.Lock()
	f.fail = http.StatusBadGateway
	f.mu.Unlock()
	_, err = g.AddMember(ctx, "tier0-admin", "alice")
	assert.True(t, IsUnavailable(err))
}

func TestGitHub_TokenFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	g, err := NewGitHub(GitHubConfig{
		AppID: 1, InstallationID: 2, PrivateKey: generateTestKey(t), Org: "acme", BaseURL: srv.URL,
	}, tokenstore.NewMemoryStore(), zerolog.Nop())
	require.NoError(t, err)

	_, err = g.ListMembers(context.Background(), "tier0-admin")
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
}

func TestNewGitHub_Validation(t *testing.T) {
	_, err := NewGitHub(GitHubConfig{PrivateKey: generateTestKey(t)}, tokenstore.NewMemoryStore(), zerolog.Nop())
	assert.Error(t, err, "org is required")

	_, err = NewGitHub(GitHubConfig{Org: "acme", PrivateKey: []byte("not a key")}, tokenstore.NewMemoryStore(), zerolog.Nop())
	assert.Error(t, err)

	_, err = NewGitHub(GitHubConfig{Org: "acme", PrivateKeyPath: "/nonexistent/key.pem"}, tokenstore.NewMemoryStore(), zerolog.Nop())
	assert.Error(t, err)
}
