package security

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"meetsync-cloud/store"
)

// ErrTokenExpired means the stored token is expired and the refresh failed.
// The user has to reconnect the provider before syncing can resume.
var ErrTokenExpired = errors.New("provider token expired and could not be refreshed")

// Tokens expiring inside this window are refreshed up front instead of
// racing the provider clock mid-request.
const refreshSkew = 5 * time.Minute

// OAuth endpoints for the non-Google providers.
var (
	MicrosoftEndpoint = oauth2.Endpoint{
		AuthURL:  "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
		TokenURL: "https://login.microsoftonline.com/common/oauth2/v2.0/token",
	}
	CalendlyEndpoint = oauth2.Endpoint{
		AuthURL:  "https://auth.calendly.com/oauth/authorize",
		TokenURL: "https://auth.calendly.com/oauth/token",
	}

	// GoogleEndpoint is re-exported so wiring code doesn't import the
	// oauth2 google package directly.
	GoogleEndpoint = google.Endpoint
)

// Default scopes per provider.
var (
	GoogleCalendarScopes = []string{
		calendar.CalendarReadonlyScope,
		calendar.CalendarEventsScope,
	}
	MicrosoftScopes = []string{
		"User.Read",
		"Calendars.Read",
		"offline_access",
	}
	// Calendly grants a single scope tied to the OAuth app.
	CalendlyScopes = []string{"default"}
)

// TokenStore hands out valid bearer tokens for calendar connections. Tokens
// live encrypted on the connection row; an expiring token is refreshed
// through the provider's OAuth endpoint and persisted before use.
type TokenStore struct {
	store        *store.Store
	cipher       *TokenCipher
	oauthConfigs map[store.Provider]*oauth2.Config
}

// NewTokenStore creates a token store over the row store and cipher.
func NewTokenStore(st *store.Store, cipher *TokenCipher) *TokenStore {
	return &TokenStore{
		store:        st,
		cipher:       cipher,
		oauthConfigs: make(map[store.Provider]*oauth2.Config),
	}
}

// ConfigureProvider sets up OAuth configuration for a provider.
func (ts *TokenStore) ConfigureProvider(provider store.Provider, clientID, clientSecret, redirectURL string, endpoint oauth2.Endpoint, scopes []string) {
	ts.oauthConfigs[provider] = &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
		Endpoint:     endpoint,
	}
	log.Printf("Configured OAuth for provider %s with %d scopes", provider, len(scopes))
}

// Configured reports whether a provider has OAuth credentials wired.
func (ts *TokenStore) Configured(provider store.Provider) bool {
	_, exists := ts.oauthConfigs[provider]
	return exists
}

// StoreToken encrypts and persists a token onto the connection row. The
// refresh token is only replaced when the provider sent a new one.
func (ts *TokenStore) StoreToken(ctx context.Context, conn *store.CalendarConnection, token *oauth2.Token) error {
	if token == nil {
		return fmt.Errorf("token cannot be nil")
	}
	access, err := ts.cipher.Encrypt(token.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	conn.AccessToken = access
	if token.RefreshToken != "" {
		refresh, err := ts.cipher.Encrypt(token.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		conn.RefreshToken = refresh
	}
	conn.TokenExpiresAt = token.Expiry
	if err := ts.store.PutConnection(ctx, conn); err != nil {
		return fmt.Errorf("failed to persist token: %w", err)
	}
	log.Printf("Stored OAuth token for user %s, provider %s", conn.UserID, conn.Provider)
	return nil
}

func (ts *TokenStore) decryptToken(conn *store.CalendarConnection) (*oauth2.Token, error) {
	access, err := ts.cipher.Decrypt(conn.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	refresh, err := ts.cipher.Decrypt(conn.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	return &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		Expiry:       conn.TokenExpiresAt,
	}, nil
}

// GetValidToken returns a usable token for the connection, refreshing and
// persisting first when the stored one is expired or about to expire.
func (ts *TokenStore) GetValidToken(ctx context.Context, conn *store.CalendarConnection) (*oauth2.Token, error) {
	token, err := ts.decryptToken(conn)
	if err != nil {
		return nil, err
	}
	if token.Expiry.After(time.Now().Add(refreshSkew)) {
		return token, nil
	}

	log.Printf("Token expired for user %s, provider %s, refreshing...", conn.UserID, conn.Provider)
	config, exists := ts.oauthConfigs[conn.Provider]
	if !exists {
		return nil, fmt.Errorf("OAuth config not found for provider %s: %w", conn.Provider, ErrTokenExpired)
	}
	if token.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token for user %s, provider %s: %w", conn.UserID, conn.Provider, ErrTokenExpired)
	}

	// Force the cached token to be considered expired so the TokenSource
	// actually refreshes.
	if token.Expiry.After(time.Now()) {
		token.Expiry = time.Now().Add(-1 * time.Minute)
	}
	newToken, err := config.TokenSource(ctx, token).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh failed for user %s, provider %s: %v: %w", conn.UserID, conn.Provider, err, ErrTokenExpired)
	}
	if newToken.RefreshToken == "" {
		newToken.RefreshToken = token.RefreshToken
	}
	if err := ts.StoreToken(ctx, conn, newToken); err != nil {
		return nil, err
	}
	log.Printf("Refreshed OAuth token for user %s, provider %s", conn.UserID, conn.Provider)
	return newToken, nil
}

// HTTPClient returns an authenticated HTTP client for the REST providers
// (Microsoft Graph, Calendly).
func (ts *TokenStore) HTTPClient(ctx context.Context, conn *store.CalendarConnection) (*http.Client, error) {
	token, err := ts.GetValidToken(ctx, conn)
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(token)), nil
}

// CalendarService returns an authenticated Google Calendar service for the
// connection.
func (ts *TokenStore) CalendarService(ctx context.Context, conn *store.CalendarConnection) (*calendar.Service, error) {
	client, err := ts.HTTPClient(ctx, conn)
	if err != nil {
		return nil, err
	}
	service, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}
	return service, nil
}
