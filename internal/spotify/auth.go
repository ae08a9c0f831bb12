package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"spotsync/internal/core"
)

const (
	// FilePermission is the permission for token files
	FilePermission = 0600
	// RequestTimeout bounds a single HTTP call to Spotify.
	RequestTimeout = 30 * time.Second

	authState = "spotsync-auth-state"
)

// Scopes needed to read and rewrite playlists and upload cover images.
var Scopes = []string{
	spotifyauth.ScopePlaylistReadPrivate,
	spotifyauth.ScopePlaylistModifyPublic,
	spotifyauth.ScopePlaylistModifyPrivate,
	spotifyauth.ScopeImageUpload,
}

type TokenData struct {
	Token *oauth2.Token `json:"token"`
}

// Authenticator owns the OAuth configuration and the persisted token.
type Authenticator struct {
	config *core.SpotifyConfig
	auth   *spotifyauth.Authenticator
	logger *zap.Logger
	// apiOptions are passed to every spotify client built here.
	apiOptions []spotify.ClientOption
	loaded     *oauth2.Token
}

func NewAuthenticator(config *core.SpotifyConfig, logger *zap.Logger, apiOptions ...spotify.ClientOption) *Authenticator {
	auth := spotifyauth.New(
		spotifyauth.WithRedirectURL(config.RedirectURL),
		spotifyauth.WithScopes(Scopes...),
		spotifyauth.WithClientID(config.ClientID),
		spotifyauth.WithClientSecret(config.ClientSecret),
	)
	return &Authenticator{
		config:     config,
		auth:       auth,
		logger:     logger,
		apiOptions: apiOptions,
	}
}

// Client builds a playlist client from the saved token. It never prompts: a
// missing or unreadable token is an auth error so unattended runs fail fast.
func (a *Authenticator) Client(ctx context.Context, budget *core.Budget) (*Client, error) {
	token, err := a.loadToken()
	if err != nil {
		return nil, core.NewRemoteError(core.KindAuth, "load token", 0,
			fmt.Errorf("no usable token at %s, run the auth command first: %w", a.config.TokenPath, err))
	}
	a.loaded = token

	base := &http.Client{Transport: newBudgetTransport(http.DefaultTransport, budget, a.logger)}
	httpClient := a.auth.Client(context.WithValue(ctx, oauth2.HTTPClient, base), token)
	httpClient.Timeout = RequestTimeout

	api := spotify.New(httpClient, a.apiOptions...)
	return NewClient(api, a.config.Market, budget, a.logger), nil
}

// Login runs the interactive authorization flow: it prints the consent URL to out,
// reads the redirect URL or bare code from in, and saves the resulting token.
func (a *Authenticator) Login(ctx context.Context, in io.Reader, out io.Writer) error {
	authURL := a.auth.AuthURL(authState)

	fmt.Fprintf(out, "Please visit the following URL to authorize the application:\n%s\n", authURL)
	fmt.Fprint(out, "Paste the redirect URL or the authorization code: ")

	var input string
	if _, err := fmt.Fscanln(in, &input); err != nil {
		return fmt.Errorf("failed to read authorization code: %w", err)
	}

	code, err := extractCode(input)
	if err != nil {
		return err
	}

	token, err := a.auth.Exchange(ctx, code)
	if err != nil {
		return classify("exchange code", err, 0)
	}

	if err := a.saveToken(token); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	a.loaded = token

	api := spotify.New(a.auth.Client(ctx, token), a.apiOptions...)
	user, err := api.CurrentUser(ctx)
	if err != nil {
		return classify("get current user", err, 0)
	}

	a.logger.Info("OAuth flow completed successfully",
		zap.String("user", user.DisplayName),
		zap.String("tokenPath", a.config.TokenPath))
	return nil
}

// Persist writes the client's token back to disk when it was refreshed during the run.
func (a *Authenticator) Persist(client *Client) error {
	token, err := client.Token()
	if err != nil {
		return fmt.Errorf("failed to read current token: %w", err)
	}
	if a.loaded != nil && token.AccessToken == a.loaded.AccessToken {
		return nil
	}
	if err := a.saveToken(token); err != nil {
		return fmt.Errorf("failed to save refreshed token: %w", err)
	}
	a.loaded = token
	a.logger.Debug("Saved refreshed token", zap.Time("expiry", token.Expiry))
	return nil
}

func extractCode(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("empty authorization code")
	}
	if !strings.Contains(input, "://") {
		return input, nil
	}

	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URL: %w", err)
	}
	query := u.Query()
	if msg := query.Get("error"); msg != "" {
		return "", fmt.Errorf("authorization denied: %s", msg)
	}
	if state := query.Get("state"); state != "" && state != authState {
		return "", errors.New("authorization state mismatch")
	}
	code := query.Get("code")
	if code == "" {
		return "", errors.New("redirect URL carries no code")
	}
	return code, nil
}

func (a *Authenticator) loadToken() (*oauth2.Token, error) {
	file, err := os.Open(a.config.TokenPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}

	var tokenData TokenData
	if err := json.Unmarshal(data, &tokenData); err != nil {
		return nil, err
	}
	if tokenData.Token == nil || (tokenData.Token.AccessToken == "" && tokenData.Token.RefreshToken == "") {
		return nil, errors.New("token file holds no credentials")
	}

	return tokenData.Token, nil
}

func (a *Authenticator) saveToken(token *oauth2.Token) error {
	tokenData := TokenData{Token: token}

	data, err := json.MarshalIndent(tokenData, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(a.config.TokenPath, data, FilePermission)
}
