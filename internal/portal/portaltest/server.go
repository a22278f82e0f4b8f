// Package portaltest provides a fake portal for package tests: the full
// B2C sign-in dance plus whatever data routes a test mounts.
package portaltest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/genesync-lab/genesync/internal/portal"
)

// Server serves both the auth endpoints and the data API from one
// listener so a real portal.Client can be pointed at it.
type Server struct {
	mux  *http.ServeMux
	HTTP *httptest.Server
}

// New starts a fake portal whose sign-in dance always succeeds. The
// server is shut down via t.Cleanup.
func New(t *testing.T) *Server {
	s := &Server{mux: http.NewServeMux()}

	s.mux.HandleFunc("/oauth2/v2.0/authorize", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `var SETTINGS = {"transId":"tx-1","csrf":"c-1"};`)
	})
	s.mux.HandleFunc("/B2C_1A_signin/SelfAsserted", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"200"}`)
	})
	s.mux.HandleFunc("/B2C_1A_signin/api/SelfAsserted/confirmed", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "x-ms-cpim-csrf", Value: "c-1"})
	})
	s.mux.HandleFunc("/B2C_1A_signin/api/CombinedSigninAndSignup/confirmed", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "https://example.invalid/auth/redirect?code=code-1")
		w.WriteHeader(http.StatusFound)
	})
	s.mux.HandleFunc("/B2C_1A_signin/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "token-1", "refresh_token": "refresh-1", "expires_in": 3600,
		})
	})
	s.mux.HandleFunc("/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "token-2", "refresh_token": "refresh-1", "expires_in": 3600,
		})
	})

	s.HTTP = httptest.NewServer(s.mux)
	t.Cleanup(s.HTTP.Close)
	return s
}

// Handle mounts one data API route.
func (s *Server) Handle(path string, h http.HandlerFunc) {
	s.mux.HandleFunc(path, h)
}

// HandleJSON mounts a data API route that always returns body.
func (s *Server) HandleJSON(path, body string) {
	s.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	})
}

// Client builds a real portal client aimed at this server.
func (s *Server) Client() *portal.Client {
	sessions := portal.NewSessionManager(
		portal.Credentials{Email: "jane@example.com", Password: "pw"},
		portal.AuthConfig{
			BaseURL:     s.HTTP.URL,
			ClientID:    "client-1",
			RedirectURI: "https://example.invalid/auth/redirect",
			Policy:      "B2C_1A_signin",
		},
	)
	return portal.NewClient(s.HTTP.URL, sessions)
}
