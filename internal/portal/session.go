package portal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// tokenValidityBuffer is subtracted from the access token's lifetime so a
// token is never handed out moments before it expires mid-request.
const tokenValidityBuffer = 5 * time.Minute

// Credentials are the portal account's login credentials.
type Credentials struct {
	Email    string
	Password string
}

// AccountLabel derives a short account label from the email local part.
func (c Credentials) AccountLabel() string {
	if at := strings.IndexByte(c.Email, '@'); at > 0 {
		return c.Email[:at]
	}
	return c.Email
}

// AuthConfig describes the portal's B2C authentication endpoints.
type AuthConfig struct {
	BaseURL     string // e.g. https://auth.genesisenergy.co.nz/auth.genesisenergy.co.nz
	ClientID    string
	RedirectURI string
	Policy      string // e.g. B2C_1A_signin
}

// Session is an authenticated portal session. Callers hold a reference and
// must re-Acquire after an Invalidate; the token value is never mutated.
type Session struct {
	Token        string
	Expiry       time.Time
	AccountLabel string
}

// Valid reports whether the session token is still usable, leaving a
// safety buffer before the real expiry.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.Token != "" && s.Expiry.After(now.Add(tokenValidityBuffer))
}

// SessionManager owns the credential/token lifecycle against the portal's
// B2C authentication endpoints. Concurrent Acquire calls during a login or
// refresh share a single flight rather than triggering redundant logins.
type SessionManager struct {
	creds Credentials
	auth  AuthConfig
	http  *http.Client
	now   func() time.Time

	mu      sync.Mutex
	current *Session

	refreshToken       string
	refreshTokenExpiry time.Time

	flight singleflight.Group
}

// NewSessionManager builds a manager. The HTTP client never follows
// redirects: the login dance inspects 302 responses directly.
func NewSessionManager(creds Credentials, auth AuthConfig) *SessionManager {
	jar, _ := cookiejar.New(nil)
	return &SessionManager{
		creds: creds,
		auth:  auth,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Jar:     jar,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		now: time.Now,
	}
}

// Acquire returns a valid session, transparently refreshing or performing
// a full login when the cached session is absent or expired. Only one
// login/refresh is ever in flight; concurrent callers block on its result.
func (m *SessionManager) Acquire(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	if current.Valid(m.now()) {
		return current, nil
	}

	v, err, _ := m.flight.Do("acquire", func() (interface{}, error) {
		// Another caller may have completed the flight while we queued.
		m.mu.Lock()
		current := m.current
		m.mu.Unlock()
		if current.Valid(m.now()) {
			return current, nil
		}
		return m.renew(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Invalidate marks the current session unusable. The next Acquire performs
// a refresh or full login.
func (m *SessionManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
}

// renew tries a refresh-token grant first, falling back to a full login.
func (m *SessionManager) renew(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	refreshToken := m.refreshToken
	refreshValid := refreshToken != "" &&
		(m.refreshTokenExpiry.IsZero() || m.refreshTokenExpiry.After(m.now()))
	m.mu.Unlock()

	if refreshValid {
		sess, err := m.refreshAccessToken(ctx, refreshToken)
		if err == nil {
			return sess, nil
		}
		if IsAuth(err) {
			return nil, err
		}
		slog.Warn("[Session] Token refresh failed, attempting full login", "error", err)
	}

	return m.fullLogin(ctx)
}

// refreshAccessToken exchanges the refresh token for a new access token,
// adopting a rotated refresh token when the portal issues one.
func (m *SessionManager) refreshAccessToken(ctx context.Context, refreshToken string) (*Session, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {m.auth.ClientID},
		"scope":         {m.scope()},
		"redirect_uri":  {m.auth.RedirectURI},
		"refresh_token": {refreshToken},
	}
	endpoint := fmt.Sprintf("%s/oauth2/v2.0/token?p=%s", m.auth.BaseURL, url.QueryEscape(m.auth.Policy))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, connErr("token refresh", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, connErr("token refresh", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			// Refresh token is dead; drop it so renew falls through to login.
			m.mu.Lock()
			m.refreshToken = ""
			m.refreshTokenExpiry = time.Time{}
			m.mu.Unlock()
		}
		return nil, connErrf("token refresh", "unexpected status %d", resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, connErr("token refresh decode", err)
	}
	if tok.AccessToken == "" {
		return nil, connErrf("token refresh", "no access token in response")
	}

	sess := m.adoptTokens(tok)
	slog.Info("[Session] Access token refreshed", "account", sess.AccountLabel, "expiry", sess.Expiry)
	return sess, nil
}

// fullLogin performs the portal's six-step B2C sign-in dance:
// authorize page → SETTINGS JSON (transaction ID + CSRF) → self-asserted
// email → CSRF cookie confirm → self-asserted password → auth code via
// 302 redirect → token exchange.
func (m *SessionManager) fullLogin(ctx context.Context) (*Session, error) {
	slog.Info("[Session] Performing full login", "account", m.creds.AccountLabel())

	// Stale B2C transaction cookies poison subsequent attempts.
	jar, _ := cookiejar.New(nil)
	m.http.Jar = jar

	settings, err := m.loginAuthorize(ctx)
	if err != nil {
		return nil, err
	}
	tid, csrf := settings.TransID, settings.CSRF

	if err := m.loginSubmitEmail(ctx, tid, csrf); err != nil {
		return nil, err
	}

	csrf, err = m.loginConfirmEmail(ctx, tid, csrf)
	if err != nil {
		return nil, err
	}

	if err := m.loginSubmitPassword(ctx, tid, csrf); err != nil {
		return nil, err
	}

	code, err := m.loginCollectAuthCode(ctx, tid, csrf)
	if err != nil {
		return nil, err
	}

	sess, err := m.loginExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}
	slog.Info("[Session] Full login successful", "account", sess.AccountLabel, "expiry", sess.Expiry)
	return sess, nil
}

// pageSettings is the subset of the authorize page's embedded SETTINGS
// variable the login dance needs.
type pageSettings struct {
	TransID string `json:"transId"`
	CSRF    string `json:"csrf"`
}

func (m *SessionManager) loginAuthorize(ctx context.Context) (*pageSettings, error) {
	q := url.Values{
		"p":             {m.auth.Policy},
		"client_id":     {m.auth.ClientID},
		"response_type": {"code"},
		"response_mode": {"query"},
		"scope":         {m.scope()},
		"redirect_uri":  {m.auth.RedirectURI},
	}
	endpoint := fmt.Sprintf("%s/oauth2/v2.0/authorize?%s", m.auth.BaseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, connErr("login authorize", err)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return nil, connErr("login authorize", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, connErrf("login authorize", "unexpected status %d", resp.StatusCode)
	}

	settings, err := parsePageSettings(resp.Body)
	if err != nil {
		return nil, connErr("login authorize", err)
	}
	if settings.TransID == "" || settings.CSRF == "" {
		return nil, connErrf("login authorize", "SETTINGS missing transId or csrf")
	}
	return settings, nil
}

// parsePageSettings extracts the `var SETTINGS = {...};` line the B2C
// sign-in page embeds.
func parsePageSettings(body io.Reader) (*pageSettings, error) {
	const prefix = "var SETTINGS = "
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, prefix) || !strings.HasSuffix(line, ";") {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(line, prefix), ";")
		var settings pageSettings
		if err := json.Unmarshal([]byte(raw), &settings); err != nil {
			return nil, fmt.Errorf("decoding SETTINGS JSON: %w", err)
		}
		return &settings, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("SETTINGS variable not found in page")
}

func (m *SessionManager) loginSubmitEmail(ctx context.Context, tid, csrf string) error {
	endpoint := fmt.Sprintf("%s/%s/SelfAsserted?tx=%s&p=%s",
		m.auth.BaseURL, m.auth.Policy, url.QueryEscape(tid), url.QueryEscape(m.auth.Policy))
	form := url.Values{"request_type": {"RESPONSE"}, "email": {m.creds.Email}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return connErr("login email", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-CSRF-TOKEN", csrf)

	resp, err := m.http.Do(req)
	if err != nil {
		return connErr("login email", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return connErrf("login email", "unexpected status %d", resp.StatusCode)
	}
	return nil
}

// loginConfirmEmail confirms the email step and returns the rotated CSRF
// token the portal sets as a cookie.
func (m *SessionManager) loginConfirmEmail(ctx context.Context, tid, csrf string) (string, error) {
	q := url.Values{"csrf_token": {csrf}, "tx": {tid}, "p": {m.auth.Policy}}
	endpoint := fmt.Sprintf("%s/%s/api/SelfAsserted/confirmed?%s", m.auth.BaseURL, m.auth.Policy, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", connErr("login confirm", err)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return "", connErr("login confirm", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	for _, c := range resp.Cookies() {
		if c.Name == "x-ms-cpim-csrf" {
			return c.Value, nil
		}
	}
	return "", connErrf("login confirm", "CSRF cookie missing")
}

func (m *SessionManager) loginSubmitPassword(ctx context.Context, tid, csrf string) error {
	endpoint := fmt.Sprintf("%s/%s/SelfAsserted?tx=%s&p=%s",
		m.auth.BaseURL, m.auth.Policy, url.QueryEscape(tid), url.QueryEscape(m.auth.Policy))
	form := url.Values{
		"request_type": {"RESPONSE"},
		"signInName":   {m.creds.Email},
		"password":     {m.creds.Password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return connErr("login password", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-CSRF-TOKEN", csrf)

	resp, err := m.http.Do(req)
	if err != nil {
		return connErr("login password", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		if strings.Contains(string(body), "The username or password provided in the request are invalid") {
			return &AuthError{Reason: "invalid username or password"}
		}
		return connErrf("login password", "unexpected status %d", resp.StatusCode)
	}
	return nil
}

// loginCollectAuthCode completes the combined sign-in and reads the
// authorization code from the redirect Location.
func (m *SessionManager) loginCollectAuthCode(ctx context.Context, tid, csrf string) (string, error) {
	q := url.Values{
		"rememberMe": {"false"},
		"csrf_token": {csrf},
		"tx":         {tid},
		"p":          {m.auth.Policy},
	}
	endpoint := fmt.Sprintf("%s/%s/api/CombinedSigninAndSignup/confirmed?%s", m.auth.BaseURL, m.auth.Policy, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", connErr("login redirect", err)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return "", connErr("login redirect", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusFound {
		return "", connErrf("login redirect", "expected 302, got %d", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", connErrf("login redirect", "no Location header")
	}
	parsed, err := url.Parse(loc)
	if err != nil {
		return "", connErr("login redirect", err)
	}
	params := parsed.Query()
	if e := params.Get("error"); e != "" {
		return "", &AuthError{Reason: fmt.Sprintf("sign-in error: %s", e)}
	}
	code := params.Get("code")
	if code == "" {
		return "", connErrf("login redirect", "no auth code in redirect")
	}
	return code, nil
}

func (m *SessionManager) loginExchangeCode(ctx context.Context, code string) (*Session, error) {
	q := url.Values{
		"p":            {m.auth.Policy},
		"grant_type":   {"authorization_code"},
		"client_id":    {m.auth.ClientID},
		"scope":        {m.scope()},
		"redirect_uri": {m.auth.RedirectURI},
		"code":         {code},
	}
	endpoint := fmt.Sprintf("%s/%s/oauth2/v2.0/token?%s", m.auth.BaseURL, m.auth.Policy, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, connErr("token exchange", err)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return nil, connErr("token exchange", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2*1024))
		return nil, connErrf("token exchange", "status %d: %s", resp.StatusCode, string(body))
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, connErr("token exchange decode", err)
	}
	if tok.AccessToken == "" {
		return nil, &AuthError{Reason: "no access token in token response"}
	}
	return m.adoptTokens(tok), nil
}

// adoptTokens stores a fresh token pair and returns the new session.
func (m *SessionManager) adoptTokens(tok tokenResponse) *Session {
	now := m.now()
	sess := &Session{
		Token:        tok.AccessToken,
		Expiry:       now.Add(time.Duration(tok.ExpiresIn) * time.Second),
		AccountLabel: m.creds.AccountLabel(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = sess
	if tok.RefreshToken != "" && tok.RefreshToken != m.refreshToken {
		m.refreshToken = tok.RefreshToken
		if tok.RefreshTokenExpiresIn > 0 {
			m.refreshTokenExpiry = now.Add(time.Duration(tok.RefreshTokenExpiresIn) * time.Second)
		} else {
			m.refreshTokenExpiry = time.Time{}
		}
	}
	return sess
}

func (m *SessionManager) scope() string {
	return fmt.Sprintf("openid offline_access %s", m.auth.ClientID)
}
