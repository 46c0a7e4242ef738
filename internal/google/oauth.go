package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	calendar "google.golang.org/api/calendar/v3"

	"calsync/internal/models"
)

const userInfoEndpoint = "https://www.googleapis.com/oauth2/v2/userinfo"

// OAuth implements the cloud OAuth contract: authorization-code exchange,
// identity lookup for account tagging, and refresh-token minting. The
// interactive consent/browser step lives in the CLI; this type only sees the
// resulting authorization code.
type OAuth struct {
	config *oauth2.Config
}

// NewOAuth builds the OAuth client for the read-only calendar scopes plus
// the identity scopes needed to tag events with the account email.
func NewOAuth(clientID, clientSecret string) (*OAuth, error) {
	if clientID == "" || clientSecret == "" {
		return nil, errors.New("google client credentials not configured")
	}
	return &OAuth{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
			Scopes: []string{
				calendar.CalendarReadonlyScope,
				"https://www.googleapis.com/auth/userinfo.email",
				"https://www.googleapis.com/auth/userinfo.profile",
			},
			Endpoint: google.Endpoint,
		},
	}, nil
}

// AuthURL returns the consent URL the user must visit. Offline access is
// requested so the exchange yields a refresh token.
func (o *OAuth) AuthURL(state string) string {
	return o.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
}

// Exchange trades the authorization code for tokens.
func (o *OAuth) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := o.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("authorization code exchange failed: %w", err)
	}
	if token.RefreshToken == "" {
		return nil, errors.New("exchange returned no refresh token; revoke the app's access and authorize again")
	}
	return token, nil
}

// Refresh mints a new access token from a stored refresh token without user
// interaction. An invalid or revoked refresh token surfaces as
// ErrTokenExpired so the caller can drop that account only.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ts := o.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %v: %w", err, ErrTokenExpired)
	}
	return token, nil
}

// FetchUserInfo looks up the authenticated account's email and display name
// for account tagging.
func (o *OAuth) FetchUserInfo(ctx context.Context, token *oauth2.Token) (models.UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userInfoEndpoint, nil)
	if err != nil {
		return models.UserInfo{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return models.UserInfo{}, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.UserInfo{}, fmt.Errorf("userinfo request returned %s", resp.Status)
	}

	var info models.UserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return models.UserInfo{}, fmt.Errorf("failed to decode userinfo response: %w", err)
	}
	if info.Email == "" {
		return models.UserInfo{}, errors.New("userinfo response has no email")
	}
	return info, nil
}

// HTTPClient returns an HTTP client that authenticates with the given token
// and retries transient failures.
func (o *OAuth) HTTPClient(token *oauth2.Token) *http.Client {
	base := &oauth2.Transport{
		Source: oauth2.StaticTokenSource(token),
		Base:   http.DefaultTransport,
	}
	return &http.Client{Transport: newRetryTransport(base)}
}
