package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	googleTokenURL    = "https://oauth2.googleapis.com/token"
	googleUserinfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
)

// OAuthProfile is the subset of the Google userinfo response the login flow
// needs.
type OAuthProfile struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// GoogleOAuth exchanges an authorization code for the user's profile. The
// endpoint URLs are fields so tests can point them at an httptest server.
type GoogleOAuth struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	UserinfoURL  string
	HTTPClient   *http.Client
}

func NewGoogleOAuth(clientID, clientSecret string) *GoogleOAuth {
	return &GoogleOAuth{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     googleTokenURL,
		UserinfoURL:  googleUserinfoURL,
		HTTPClient:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Exchange redeems the code and fetches the profile behind it.
func (g *GoogleOAuth) Exchange(ctx context.Context, code, redirectURI string) (OAuthProfile, error) {
	accessToken, err := g.redeemCode(ctx, code, redirectURI)
	if err != nil {
		return OAuthProfile{}, err
	}
	return g.fetchProfile(ctx, accessToken)
}

func (g *GoogleOAuth) redeemCode(ctx context.Context, code, redirectURI string) (string, error) {
	form := url.Values{
		"code":          {code},
		"client_id":     {g.ClientID},
		"client_secret": {g.ClientSecret},
		"redirect_uri":  {redirectURI},
		"grant_type":    {"authorization_code"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("oauth token exchange failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oauth token exchange returned status %d", resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("oauth token response carried no access token")
	}
	return payload.AccessToken, nil
}

func (g *GoogleOAuth) fetchProfile(ctx context.Context, accessToken string) (OAuthProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.UserinfoURL, nil)
	if err != nil {
		return OAuthProfile{}, fmt.Errorf("failed to build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return OAuthProfile{}, fmt.Errorf("oauth userinfo fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return OAuthProfile{}, fmt.Errorf("oauth userinfo returned status %d", resp.StatusCode)
	}

	var profile OAuthProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return OAuthProfile{}, fmt.Errorf("failed to decode userinfo response: %w", err)
	}
	if profile.Email == "" {
		return OAuthProfile{}, fmt.Errorf("oauth userinfo carried no email")
	}
	return profile, nil
}
