package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"finitefield.org/campus-portal/internal/portal/apiclient"
)

// Account is a user the fake API accepts.
type Account struct {
	Password string
	Token    string
	User     apiclient.User
}

// API is an in-process stand-in for the remote REST API.
type API struct {
	Server *httptest.Server

	mu       sync.Mutex
	accounts map[string]Account
	tokens   map[string]apiclient.User
	status   int

	getUserCalls atomic.Int32
	loginCalls   atomic.Int32
}

// NewAPI starts a fake API serving /api/get-user and /api/login.
func NewAPI(t testing.TB, accounts ...Account) *API {
	t.Helper()

	api := &API{
		accounts: make(map[string]Account),
		tokens:   make(map[string]apiclient.User),
	}
	for _, acc := range accounts {
		api.AddAccount(acc)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/get-user", api.handleGetUser)
	mux.HandleFunc("/api/login", api.handleLogin)
	api.Server = httptest.NewServer(mux)
	t.Cleanup(api.Server.Close)
	return api
}

// BaseURL returns the API base URL.
func (a *API) BaseURL() string {
	return a.Server.URL + "/api"
}

// Client returns an apiclient bound to the fake API.
func (a *API) Client(t testing.TB) *apiclient.Client {
	t.Helper()
	client, err := apiclient.New(a.BaseURL(), a.Server.Client())
	if err != nil {
		t.Fatalf("api client: %v", err)
	}
	return client
}

// AddAccount registers an account and its token.
func (a *API) AddAccount(acc Account) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accounts[strings.ToLower(acc.User.Email)] = acc
	a.tokens[acc.Token] = acc.User
}

// Revoke makes token invalid.
func (a *API) Revoke(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tokens, token)
}

// FailWith forces every request to answer with status. Zero restores normal behaviour.
func (a *API) FailWith(status int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = status
}

// GetUserCalls returns how many validation requests were served.
func (a *API) GetUserCalls() int {
	return int(a.getUserCalls.Load())
}

// LoginCalls returns how many login requests were served.
func (a *API) LoginCalls() int {
	return int(a.loginCalls.Load())
}

func (a *API) forced() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	a.getUserCalls.Add(1)
	if status := a.forced(); status != 0 {
		writeJSON(w, status, map[string]string{"message": http.StatusText(status)})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))

	a.mu.Lock()
	user, ok := a.tokens[token]
	a.mu.Unlock()
	if token == "" || !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "invalid_token", "message": "invalid token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	a.loginCalls.Add(1)
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if status := a.forced(); status != 0 {
		writeJSON(w, status, map[string]string{"message": http.StatusText(status)})
		return
	}
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "malformed body"})
		return
	}

	a.mu.Lock()
	acc, ok := a.accounts[strings.ToLower(strings.TrimSpace(body.Email))]
	if ok && acc.Password == body.Password {
		a.tokens[acc.Token] = acc.User
	}
	a.mu.Unlock()
	if !ok || acc.Password != body.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "invalid_credentials", "message": "Invalid email or password"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accessToken": acc.Token, "user": acc.User})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
