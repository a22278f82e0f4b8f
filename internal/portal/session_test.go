package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeAuthServer stands in for the portal's B2C endpoints. It tracks how
// many full logins and token refreshes it has served.
type fakeAuthServer struct {
	t *testing.T

	mu           sync.Mutex
	logins       int32
	refreshes    int32
	password     string
	refuseLogin  bool
	tokenExpires int64
}

func newFakeAuthServer(t *testing.T) (*fakeAuthServer, *httptest.Server) {
	f := &fakeAuthServer{t: t, password: "correct-horse", tokenExpires: 3600}
	mux := http.NewServeMux()

	mux.HandleFunc("/oauth2/v2.0/authorize", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><head><script>\n")
		fmt.Fprint(w, `var SETTINGS = {"transId":"StateProperties=tx-123","csrf":"csrf-1"};`+"\n")
		fmt.Fprint(w, "</script></head></html>")
	})

	mux.HandleFunc("/B2C_1A_signin/SelfAsserted", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "csrf-1", r.Header.Get("X-CSRF-TOKEN"))
		require.NoError(t, r.ParseForm())
		if pw := r.PostForm.Get("password"); r.PostForm.Has("password") && pw != f.password {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"message":"The username or password provided in the request are invalid."}`)
			return
		}
		fmt.Fprint(w, `{"status":"200"}`)
	})

	mux.HandleFunc("/B2C_1A_signin/api/SelfAsserted/confirmed", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "x-ms-cpim-csrf", Value: "csrf-1"})
		fmt.Fprint(w, "ok")
	})

	mux.HandleFunc("/B2C_1A_signin/api/CombinedSigninAndSignup/confirmed", func(w http.ResponseWriter, r *http.Request) {
		if f.refuseLogin {
			w.Header().Set("Location", "https://example.invalid/auth/redirect?error=access_denied")
		} else {
			w.Header().Set("Location", "https://example.invalid/auth/redirect?code=auth-code-1")
		}
		w.WriteHeader(http.StatusFound)
	})

	mux.HandleFunc("/B2C_1A_signin/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "auth-code-1", r.URL.Query().Get("code"))
		atomic.AddInt32(&f.logins, 1)
		// Simulated latency widens the window concurrent callers race in.
		time.Sleep(20 * time.Millisecond)
		f.writeTokens(w, "access-from-login")
	})

	mux.HandleFunc("/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		if r.PostForm.Get("refresh_token") != "refresh-1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		atomic.AddInt32(&f.refreshes, 1)
		f.writeTokens(w, "access-from-refresh")
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAuthServer) writeTokens(w http.ResponseWriter, accessToken string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token":             accessToken,
		"refresh_token":            "refresh-1",
		"expires_in":               f.tokenExpires,
		"refresh_token_expires_in": 86400,
	})
}

func newTestManager(srv *httptest.Server, password string) *SessionManager {
	return NewSessionManager(
		Credentials{Email: "jane.doe@example.com", Password: password},
		AuthConfig{
			BaseURL:     srv.URL,
			ClientID:    "client-1",
			RedirectURI: "https://example.invalid/auth/redirect",
			Policy:      "B2C_1A_signin",
		},
	)
}

func TestAccountLabel(t *testing.T) {
	require.Equal(t, "jane.doe", Credentials{Email: "jane.doe@example.com"}.AccountLabel())
	require.Equal(t, "nodomain", Credentials{Email: "nodomain"}.AccountLabel())
}

func TestAcquire_FullLogin(t *testing.T) {
	fake, srv := newFakeAuthServer(t)
	m := newTestManager(srv, "correct-horse")

	sess, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-from-login", sess.Token)
	require.Equal(t, "jane.doe", sess.AccountLabel)
	require.True(t, sess.Valid(time.Now()))
	require.EqualValues(t, 1, atomic.LoadInt32(&fake.logins))

	// A valid cached session is reused without touching the portal.
	again, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.Same(t, sess, again)
	require.EqualValues(t, 1, atomic.LoadInt32(&fake.logins))
}

func TestAcquire_ConcurrentCallersShareOneLogin(t *testing.T) {
	fake, srv := newFakeAuthServer(t)
	m := newTestManager(srv, "correct-horse")

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Acquire(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&fake.logins))
}

func TestAcquire_RefreshGrantAfterInvalidate(t *testing.T) {
	fake, srv := newFakeAuthServer(t)
	m := newTestManager(srv, "correct-horse")

	_, err := m.Acquire(context.Background())
	require.NoError(t, err)

	m.Invalidate()

	sess, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-from-refresh", sess.Token)
	require.EqualValues(t, 1, atomic.LoadInt32(&fake.logins))
	require.EqualValues(t, 1, atomic.LoadInt32(&fake.refreshes))
}

func TestAcquire_ExpiredTokenTriggersRenewal(t *testing.T) {
	fake, srv := newFakeAuthServer(t)
	// Tokens shorter than the validity buffer are never considered usable.
	fake.tokenExpires = 60
	m := newTestManager(srv, "correct-horse")

	_, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&fake.logins))

	_, err = m.Acquire(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&fake.refreshes))
}

func TestAcquire_InvalidPasswordIsTerminal(t *testing.T) {
	_, srv := newFakeAuthServer(t)
	m := newTestManager(srv, "wrong-password")

	_, err := m.Acquire(context.Background())
	require.Error(t, err)
	require.True(t, IsAuth(err), "expected AuthError, got %v", err)
}

func TestAcquire_SignInErrorInRedirectIsTerminal(t *testing.T) {
	fake, srv := newFakeAuthServer(t)
	fake.refuseLogin = true
	m := newTestManager(srv, "correct-horse")

	_, err := m.Acquire(context.Background())
	require.Error(t, err)
	require.True(t, IsAuth(err), "expected AuthError, got %v", err)
}

func TestSessionValid(t *testing.T) {
	now := time.Now()
	var nilSession *Session
	require.False(t, nilSession.Valid(now))
	require.False(t, (&Session{Token: "t", Expiry: now.Add(time.Minute)}).Valid(now))
	require.True(t, (&Session{Token: "t", Expiry: now.Add(time.Hour)}).Valid(now))
}

func TestParsePageSettings(t *testing.T) {
	page := "<html>\n<script>\n" +
		`var SETTINGS = {"transId":"tx-9","csrf":"c-9","unrelated":true};` + "\n" +
		"</script>\n</html>"
	settings, err := parsePageSettings(strings.NewReader(page))
	require.NoError(t, err)
	require.Equal(t, "tx-9", settings.TransID)
	require.Equal(t, "c-9", settings.CSRF)

	_, err = parsePageSettings(strings.NewReader("<html>no settings</html>"))
	require.Error(t, err)
}
