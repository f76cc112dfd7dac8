package httpserver

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/routellm/gateway/internal/config"
	"github.com/routellm/gateway/internal/domain"
)

// Argon2Params defines parameters for Argon2id password hashing
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024, // 64 MB
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// HashPassword creates an Argon2id hash of the password
func HashPassword(password string, params Argon2Params) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)

	// Format: argon2id$iterations$memory$parallelism$salt$hash (base64 encoded)
	encoded := fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations,
		params.Memory,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)

	return encoded, nil
}

// VerifyPassword verifies a password against its Argon2id hash
func VerifyPassword(password, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters, err1 := parseUint32(parts[1])
	mem, err2 := parseUint32(parts[2])
	par64, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expectedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	var par uint8
	if par64 > math.MaxUint8 {
		par = math.MaxUint8
	} else {
		par = uint8(par64)
	}
	actualHash := argon2.IDKey([]byte(password), salt, iters, mem, par, defaultArgon2Params.KeyLen)
	return subtle.ConstantTimeCompare(actualHash, expectedHash) == 1
}

// TokenManager issues and validates HMAC-signed bearer tokens for the API.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenManager(cfg config.Config) *TokenManager {
	ttl := cfg.AuthTokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenManager{secret: []byte(cfg.AuthTokenSecret), ttl: ttl}
}

// Issue creates a token of the form username:issued:expires.signature.
func (tm *TokenManager) Issue(username string) string {
	now := time.Now()
	payload := fmt.Sprintf("%s:%d:%d", username, now.Unix(), now.Add(tm.ttl).Unix())
	mac := hmac.New(sha256.New, tm.secret)
	mac.Write([]byte(payload))
	return payload + "." + base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

// Validate checks the signature and expiry and returns the username.
func (tm *TokenManager) Validate(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid token format: %w", domain.ErrUnauthorized)
	}
	payload, sigB64 := parts[0], parts[1]

	mac := hmac.New(sha256.New, tm.secret)
	mac.Write([]byte(payload))
	expected := mac.Sum(nil)
	actual, err := base64.URLEncoding.DecodeString(sigB64)
	if err != nil || !hmac.Equal(expected, actual) {
		return "", fmt.Errorf("invalid token signature: %w", domain.ErrUnauthorized)
	}

	fields := strings.Split(payload, ":")
	if len(fields) != 3 {
		return "", fmt.Errorf("invalid token payload: %w", domain.ErrUnauthorized)
	}
	expiresAt := time.Unix(parseInt64(fields[2]), 0)
	if time.Now().After(expiresAt) {
		return "", fmt.Errorf("token expired: %w", domain.ErrUnauthorized)
	}
	return fields[0], nil
}

// RequireAuth guards API routes with the bearer token. Auth is skipped
// entirely when no credentials are configured (dev convenience).
func (s *Server) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.AuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, r, fmt.Errorf("missing bearer token: %w", domain.ErrUnauthorized), nil)
			return
		}
		if _, err := s.tokens.Validate(token); err != nil {
			writeError(w, r, err, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresIn int    `json:"expires_in"`
}

// HandleLogin verifies the admin credentials and issues a bearer token.
func (s *Server) HandleLogin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.AuthEnabled() {
			writeError(w, r, fmt.Errorf("authentication is not configured: %w", domain.ErrUnauthorized), nil)
			return
		}
		var req loginRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.validate.Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%v: %w", err, domain.ErrInvalidArgument), nil)
			return
		}
		if req.Username != s.cfg.AdminUsername || !VerifyPassword(req.Password, s.cfg.AdminPasswordHash) {
			writeError(w, r, fmt.Errorf("invalid credentials: %w", domain.ErrUnauthorized), nil)
			return
		}
		writeJSON(w, http.StatusOK, loginResponse{
			Token:     s.tokens.Issue(req.Username),
			TokenType: "bearer",
			ExpiresIn: int(s.tokens.ttl.Seconds()),
		})
	}
}

// parseInt64 safely parses string to int64, returns 0 on error
func parseInt64(s string) int64 {
	x, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return x
}

// parseUint32 parses a decimal string into uint32; returns error on failure
func parseUint32(s string) (uint32, error) {
	x, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse")
	}
	return uint32(x), nil
}
