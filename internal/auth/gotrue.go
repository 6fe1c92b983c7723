package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/cesargomez89/hymnsync/internal/constants"
	"github.com/cesargomez89/hymnsync/internal/httpclient"
)

// GoTrue signs in against a Supabase auth endpoint (/auth/v1/token).
type GoTrue struct {
	client   *httpclient.Client
	baseURL  string
	apiKey   string
	email    string
	password string

	mu           sync.Mutex
	refreshToken string
}

func NewGoTrue(baseURL, apiKey, email, password string, client *httpclient.Client) *GoTrue {
	if client == nil {
		client = httpclient.NewClient(nil, 0, httpclient.WithRateLimitAttempts(1))
	}
	return &GoTrue{
		client:   client,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		apiKey:   apiKey,
		email:    email,
		password: password,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	User         *struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

// Session is the primary authenticator. It exchanges a held refresh token
// when it has one and otherwise signs in with email and password. The
// response must describe the signed-in user.
func (g *GoTrue) Session() Authenticator {
	return AuthenticatorFunc(func(ctx context.Context) (Token, error) {
		g.mu.Lock()
		refresh := g.refreshToken
		g.mu.Unlock()

		if refresh != "" {
			tok, err := g.session(ctx, "refresh_token", map[string]string{"refresh_token": refresh})
			if err == nil {
				return tok, nil
			}
		}
		return g.session(ctx, "password", map[string]string{"email": g.email, "password": g.password})
	})
}

// TokenExchange is the fallback authenticator: a bare password grant that
// only needs an access token back.
func (g *GoTrue) TokenExchange() Authenticator {
	return AuthenticatorFunc(func(ctx context.Context) (Token, error) {
		resp, err := g.token(ctx, "password", map[string]string{"email": g.email, "password": g.password})
		if err != nil {
			return Token{}, err
		}
		return Token{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken, ExpiresIn: resp.ExpiresIn}, nil
	})
}

func (g *GoTrue) session(ctx context.Context, grant string, body map[string]string) (Token, error) {
	resp, err := g.token(ctx, grant, body)
	if err != nil {
		return Token{}, err
	}
	if resp.User == nil {
		return Token{}, fmt.Errorf("login failed: no user returned")
	}

	g.mu.Lock()
	g.refreshToken = resp.RefreshToken
	g.mu.Unlock()

	return Token{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken, ExpiresIn: resp.ExpiresIn}, nil
}

func (g *GoTrue) token(ctx context.Context, grant string, body map[string]string) (*tokenResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/auth/v1/token?grant_type=%s", g.baseURL, grant)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", g.apiKey)
	req.Header.Set("Content-Type", constants.MimeTypeJSON)

	resp, err := g.client.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login failed: %d - %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out tokenResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("login failed: no access token returned")
	}
	return &out, nil
}
