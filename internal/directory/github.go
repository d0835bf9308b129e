package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/go-github/v60/github"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/privileged-access/pkg/tokenstore"
)

// GitHub treats each privileged role as a team slug in one organization.
// Team members are the role's members.
type GitHub struct {
	client *github.Client
	org    string
	logger zerolog.Logger
}

// GitHubConfig holds GitHub App settings.
type GitHubConfig struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
	PrivateKey     []byte
	Org            string

	// BaseURL overrides the API endpoint (GitHub Enterprise, tests).
	BaseURL string
}

// NewGitHub creates an adapter authenticated as a GitHub App installation.
func NewGitHub(cfg GitHubConfig, tokens tokenstore.Store, logger zerolog.Logger) (*GitHub, error) {
	if cfg.Org == "" {
		return nil, fmt.Errorf("github org is required")
	}
	keyData := cfg.PrivateKey
	if len(keyData) == 0 {
		var err error
		keyData, err = os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading private key: %w", err)
		}
	}

	var baseURL *url.URL
	if cfg.BaseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parsing github base url: %w", err)
		}
		baseURL = u
	}

	logger = logger.With().Str("component", "directory").Str("backend", "github").Logger()
	tr, err := newAppTransport(cfg.AppID, cfg.InstallationID, keyData, baseURL, tokens, logger)
	if err != nil {
		return nil, err
	}

	client := github.NewClient(&http.Client{Transport: tr, Timeout: 30 * time.Second})
	if baseURL != nil {
		client.BaseURL = baseURL
	}
	return NewGitHubFromClient(client, cfg.Org, logger), nil
}

// NewGitHubFromClient wraps an existing go-github client (for testing).
func NewGitHubFromClient(client *github.Client, org string, logger zerolog.Logger) *GitHub {
	return &GitHub{client: client, org: org, logger: logger}
}

const membershipPending = "pending"

var errInvitationPending = errors.New("team invitation not yet accepted")

func (g *GitHub) AddMember(ctx context.Context, role, principal string) (Result, error) {
	m, _, err := g.client.Teams.GetTeamMembershipBySlug(ctx, g.org, role, principal)
	switch {
	case err == nil && m != nil:
		if m.GetState() == membershipPending {
			return 0, Unavailable(OpAdd, role, principal, errInvitationPending)
		}
		return AlreadyMember, nil
	case err != nil && !isGitHubNotFound(err):
		return 0, classifyGitHub(OpAdd, role, principal, err)
	}

	m, _, err = g.client.Teams.AddTeamMembershipBySlug(ctx, g.org, role, principal,
		&github.TeamAddTeamMembershipOptions{Role: "member"})
	if err != nil {
		return 0, classifyGitHub(OpAdd, role, principal, err)
	}
	// principals outside the org get an invitation; ListMembers will not show
	// them until it is accepted, so the grant is not active yet
	if m.GetState() == membershipPending {
		g.logger.Info().Str("team", role).Str("principal", principal).Msg("team invitation sent")
		return 0, Unavailable(OpAdd, role, principal, errInvitationPending)
	}
	g.logger.Info().Str("team", role).Str("principal", principal).Msg("team membership added")
	return Success, nil
}

func (g *GitHub) RemoveMember(ctx context.Context, role, principal string) (Result, error) {
	_, err := g.client.Teams.RemoveTeamMembershipBySlug(ctx, g.org, role, principal)
	if isGitHubNotFound(err) {
		return NotMember, nil
	}
	if err != nil {
		return 0, classifyGitHub(OpRemove, role, principal, err)
	}
	g.logger.Info().Str("team", role).Str("principal", principal).Msg("team membership removed")
	return Success, nil
}

func (g *GitHub) ListMembers(ctx context.Context, role string) ([]string, error) {
	opts := &github.TeamListTeamMembersOptions{ListOptions: github.ListOptions{PerPage: 100}}
	var out []string
	for {
		users, resp, err := g.client.Teams.ListTeamMembersBySlug(ctx, g.org, role, opts)
		if err != nil {
			return nil, classifyGitHub(OpList, role, "", err)
		}
		for _, u := range users {
			out = append(out, u.GetLogin())
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	sort.Strings(out)
	return out, nil
}

func isGitHubNotFound(err error) bool {
	var er *github.ErrorResponse
	return errors.As(err, &er) && er.Response != nil && er.Response.StatusCode == http.StatusNotFound
}

// classifyGitHub maps API errors onto the directory error classes. Rate
// limits and server errors leave the outcome unknown; other 4xx are definite.
func classifyGitHub(op, role, principal string, err error) error {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return Unavailable(op, role, principal, err)
	}

	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		code := er.Response.StatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout {
			return Rejected(op, role, principal, err)
		}
	}
	return Unavailable(op, role, principal, err)
}
