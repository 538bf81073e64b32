package gateway

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"chatrelay/internal/domain"
)

// SessionCookie is the name of the login session cookie.
const SessionCookie = "chat_session"

// DefaultSessionTTL is the cookie lifetime when none is configured.
const DefaultSessionTTL = 30 * 24 * time.Hour

// SessionConfig configures the single-user session gate.
type SessionConfig struct {
	Username string
	Password string        // plain text or a bcrypt hash ("$2...")
	Secret   string        // HS256 signing key; random per process when empty
	TTL      time.Duration // cookie and token lifetime
	Secure   bool          // set the Secure cookie attribute
}

// Sessions issues and verifies session cookies. A zero-credential config
// disables the gate entirely.
type Sessions struct {
	username string
	password string
	secret   []byte
	ttl      time.Duration
	secure   bool
	now      func() time.Time
}

// NewSessions creates a session gate.
func NewSessions(cfg SessionConfig) (*Sessions, error) {
	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{
		username: cfg.Username,
		password: cfg.Password,
		secret:   secret,
		ttl:      ttl,
		secure:   cfg.Secure,
		now:      time.Now,
	}, nil
}

// Enabled reports whether credentials are configured.
func (s *Sessions) Enabled() bool { return s.username != "" && s.password != "" }

// CheckCredentials compares user and pass against the configured login.
func (s *Sessions) CheckCredentials(user, pass string) bool {
	if !s.Enabled() {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) == 1
	var passOK bool
	if strings.HasPrefix(s.password, "$2") {
		passOK = bcrypt.CompareHashAndPassword([]byte(s.password), []byte(pass)) == nil
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) == 1
	}
	return userOK && passOK
}

// Issue signs a session token for user.
func (s *Sessions) Issue(user string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   user,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return token, nil
}

// Verify checks a session token and returns its subject.
func (s *Sessions) Verify(token string) (string, error) {
	if token == "" {
		return "", domain.ErrUnauthorized
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	if subtle.ConstantTimeCompare([]byte(claims.Subject), []byte(s.username)) != 1 {
		return "", fmt.Errorf("%w: unknown subject", domain.ErrUnauthorized)
	}
	return claims.Subject, nil
}

// User returns the authenticated user of r. With the gate disabled every
// request is authenticated as the empty user.
func (s *Sessions) User(r *http.Request) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return "", domain.ErrUnauthorized
	}
	return s.Verify(c.Value)
}

func (s *Sessions) setCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.ttl / time.Second),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Sessions) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleAuth serves POST (login), DELETE (logout) on /api/auth.
func (s *Sessions) handleAuth(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req loginRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request"})
			return
		}
		if !s.CheckCredentials(req.Username, req.Password) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid credentials"})
			return
		}
		token, err := s.Issue(req.Username)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal error"})
			return
		}
		s.setCookie(w, token)
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	case http.MethodDelete:
		s.clearCookie(w)
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Sessions) handleCheck(w http.ResponseWriter, r *http.Request) {
	if !s.Enabled() {
		writeJSON(w, http.StatusOK, map[string]bool{"authenticated": true})
		return
	}
	if _, err := s.User(r); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]bool{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"authenticated": true})
}

// openPaths are reachable without a session.
var openPaths = map[string]bool{
	"/login":         true,
	"/api/auth":      true,
	"/manifest.json": true,
	"/sw.js":         true,
	"/icon.svg":      true,
}

func isOpenPath(p string) bool {
	return openPaths[p] || strings.HasPrefix(p, "/api/auth/")
}

// Gate rejects unauthenticated requests. API and websocket callers get 401,
// page requests are redirected to the login page.
func (s *Sessions) Gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Enabled() || isOpenPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if _, err := s.User(r); err != nil {
			if strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/ws" || r.URL.Path == "/metrics" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				return
			}
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
