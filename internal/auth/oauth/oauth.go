// Package oauth implements the OAuth2 authorization-code flow against
// the providers declared in the identity registry, with PKCE and a
// state cookie guarding the callback.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/gatekeeper/internal/auth/csrf"
	"github.com/smallbiznis/gatekeeper/internal/auth/event"
	"github.com/smallbiznis/gatekeeper/internal/auth/identity"
	"github.com/smallbiznis/gatekeeper/internal/auth/registrar"
	"github.com/smallbiznis/gatekeeper/internal/auth/session"
	"github.com/smallbiznis/gatekeeper/internal/config"
	userdomain "github.com/smallbiznis/gatekeeper/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// StateCookieName guards the callback against forged authorization
// responses. The cookie lives only for the duration of one flow.
const StateCookieName = "OAUTHSTATE"

const (
	stateTTL        = 5 * time.Minute
	stateTokenBytes = 32
)

var Module = fx.Module("auth.oauth",
	fx.Provide(New),
)

type Params struct {
	fx.In

	Registry  *identity.Registry
	Registrar *registrar.Registrar
	Sessions  *session.Handler
	Recorder  event.Recorder
	Log       *zap.Logger
	Cfg       config.Config
}

type Authenticator struct {
	registry     *identity.Registry
	registrar    *registrar.Registrar
	sessions     *session.Handler
	recorder     event.Recorder
	httpClient   *http.Client
	log          *zap.Logger
	secureCookie bool
}

func New(p Params) *Authenticator {
	return &Authenticator{
		registry:     p.Registry,
		registrar:    p.Registrar,
		sessions:     p.Sessions,
		recorder:     p.Recorder,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		log:          p.Log.Named("auth.oauth"),
		secureCookie: p.Cfg.AuthCookieSecure,
	}
}

// Initiate resolves the provider, stores the state and PKCE verifier
// in a short-lived httpOnly cookie and redirects to the provider's
// authorization endpoint.
func (a *Authenticator) Initiate(c *gin.Context, providerKey string) error {
	provider, err := a.oauth2Provider(providerKey)
	if err != nil {
		return err
	}

	state, err := randomToken()
	if err != nil {
		return err
	}
	verifier, err := randomToken()
	if err != nil {
		return err
	}

	authURL, err := buildAuthURL(provider.OAuth2, callbackURL(c, provider.Key), state, pkceChallenge(verifier))
	if err != nil {
		return err
	}

	secure := csrf.RequestIsSecure(c, a.secureCookie)
	c.SetCookie(StateCookieName, state+":"+verifier, int(stateTTL.Seconds()), "/", "", secure, true)
	c.Redirect(http.StatusFound, authURL)
	return nil
}

// Callback finishes the flow: it checks the state against the cookie,
// trades the code for an access token, fetches the provider identity,
// registers the user and opens a session.
func (a *Authenticator) Callback(c *gin.Context, providerKey string) (*userdomain.User, error) {
	provider, err := a.oauth2Provider(providerKey)
	if err != nil {
		return nil, err
	}
	source := event.OAuth2(provider.Key)

	verifier, err := a.consumeState(c, source)
	if err != nil {
		return nil, err
	}

	code := c.Query("code")
	if code == "" {
		return nil, event.NewAuthenticationError(source, "", "Missing authorization code")
	}

	ctx := c.Request.Context()
	token, err := a.exchangeCode(ctx, provider.OAuth2, code, callbackURL(c, provider.Key), verifier)
	if err != nil {
		return nil, event.NewAuthenticationError(source, "", fmt.Sprintf("Fail to exchange code: %v", err))
	}

	id, err := a.fetchIdentity(ctx, provider.OAuth2, token)
	if err != nil {
		return nil, event.NewAuthenticationError(source, "", fmt.Sprintf("Fail to fetch identity: %v", err))
	}

	user, err := a.registrar.Register(ctx, id, provider, source, registrar.EmailStrategyWarn, registrar.UpdateLoginAllow)
	if err != nil {
		return nil, err
	}
	if err := a.sessions.CreateSession(c, user, nil); err != nil {
		return nil, err
	}

	a.recorder.LoginSuccess(ctx, user.Login, source)
	a.log.Info("oauth2 login",
		zap.String("provider", provider.Key),
		zap.String("login", user.Login),
	)
	return user, nil
}

func (a *Authenticator) oauth2Provider(key string) (identity.Provider, error) {
	provider, err := a.registry.Resolve(key)
	if err != nil {
		return identity.Provider{}, err
	}
	if provider.Kind != identity.KindOAuth2 || provider.OAuth2 == nil {
		return identity.Provider{}, identity.ErrProviderNotFound
	}
	return provider, nil
}

// consumeState validates the state query parameter against the state
// cookie and returns the PKCE verifier. The cookie is cleared either
// way so a state is never replayable.
func (a *Authenticator) consumeState(c *gin.Context, source event.Source) (string, error) {
	raw, err := c.Cookie(StateCookieName)
	secure := csrf.RequestIsSecure(c, a.secureCookie)
	c.SetCookie(StateCookieName, "", -1, "/", "", secure, true)
	if err != nil || raw == "" {
		return "", event.NewAuthenticationError(source, "", "Missing state cookie")
	}

	state, verifier, ok := strings.Cut(raw, ":")
	if !ok {
		return "", event.NewAuthenticationError(source, "", "Malformed state cookie")
	}
	got := c.Query("state")
	if subtle.ConstantTimeCompare([]byte(state), []byte(got)) != 1 {
		return "", event.NewAuthenticationError(source, "", "State value mismatch")
	}
	return verifier, nil
}

// callbackURL is the redirect_uri registered with the provider. It
// must be identical in the authorization request and the code
// exchange, regardless of which route the current request hit.
func callbackURL(c *gin.Context, providerKey string) string {
	scheme := "http"
	if csrf.RequestIsSecure(c, false) {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host + "/oauth2/callback/" + url.PathEscape(providerKey)
}

func buildAuthURL(settings *identity.OAuth2Settings, redirectURI, state, challenge string) (string, error) {
	parsed, err := url.Parse(settings.AuthURL)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set("response_type", "code")
	query.Set("client_id", settings.ClientID)
	query.Set("redirect_uri", redirectURI)
	if len(settings.Scopes) > 0 {
		query.Set("scope", strings.Join(settings.Scopes, " "))
	}
	query.Set("state", state)
	query.Set("code_challenge", challenge)
	query.Set("code_challenge_method", "S256")
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	IDToken     string `json:"id_token"`
}

func (a *Authenticator) exchangeCode(ctx context.Context, settings *identity.OAuth2Settings, code, redirectURI, verifier string) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", settings.ClientID)
	if settings.ClientSecret != "" {
		form.Set("client_secret", settings.ClientSecret)
	}
	if verifier != "" {
		form.Set("code_verifier", verifier)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, settings.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err == nil && token.AccessToken != "" {
		return &token, nil
	}

	// Some providers still answer form-encoded.
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("unreadable token response")
	}
	token.AccessToken = values.Get("access_token")
	token.TokenType = values.Get("token_type")
	token.IDToken = values.Get("id_token")
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token response without access_token")
	}
	return &token, nil
}

func (a *Authenticator) fetchIdentity(ctx context.Context, settings *identity.OAuth2Settings, token *tokenResponse) (identity.UserIdentity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, settings.APIURL, nil)
	if err != nil {
		return identity.UserIdentity{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return identity.UserIdentity{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return identity.UserIdentity{}, err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return identity.UserIdentity{}, fmt.Errorf("identity endpoint returned %d", resp.StatusCode)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return identity.UserIdentity{}, fmt.Errorf("unreadable identity payload")
	}

	id := identity.UserIdentity{
		ProviderID:    firstClaim(payload, "sub", "id", "user_id", "uid"),
		ProviderLogin: firstClaim(payload, "login", "username", "preferred_username", "email"),
		Name:          firstClaim(payload, "name", "display_name"),
		Email:         firstClaim(payload, "email"),
	}
	if groups, ok := groupsClaim(payload); ok {
		id.Groups = groups
		id.ShouldSyncGroups = true
	}
	if id.ProviderLogin == "" {
		return identity.UserIdentity{}, fmt.Errorf("identity payload without a login claim")
	}
	return id, nil
}

func firstClaim(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := payload[key]; ok {
			if str := claimToString(value); str != "" {
				return str
			}
		}
	}
	return ""
}

func claimToString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func groupsClaim(payload map[string]any) ([]string, bool) {
	raw, ok := payload["groups"]
	if !ok {
		return nil, false
	}
	entries, ok := raw.([]any)
	if !ok {
		return nil, false
	}
	groups := make([]string, 0, len(entries))
	for _, entry := range entries {
		if name := claimToString(entry); name != "" {
			groups = append(groups, name)
		}
	}
	return groups, true
}

func randomToken() (string, error) {
	buf := make([]byte, stateTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
