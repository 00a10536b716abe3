// Package webhook verifies and handles carrier webhook callbacks.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/samhotchkiss/threadmask/internal/logger"
	"github.com/samhotchkiss/threadmask/internal/provider"
)

const (
	// IdempotencyHeader carries the carrier's per-delivery token. Retries of the
	// same callback reuse it.
	IdempotencyHeader = "I-Twilio-Idempotency-Token"

	// NonceExpiry is how long a delivered token is remembered.
	NonceExpiry = 10 * time.Minute

	// maxFormBytes bounds a callback body.
	maxFormBytes = 64 << 10
)

var (
	// ErrMissingSignature is returned when the signature header is missing.
	ErrMissingSignature = errors.New("missing signature header")

	// ErrSignatureMismatch is returned when the signature doesn't match.
	ErrSignatureMismatch = errors.New("signature mismatch")

	// ErrInvalidForm is returned when the callback body is not a valid form.
	ErrInvalidForm = errors.New("invalid form payload")
)

// SignatureVerifier checks a carrier signature against the full callback URL
// and POST parameters.
type SignatureVerifier interface {
	VerifySignature(requestURL string, params url.Values, signature string) bool
}

// ReplayGuard remembers delivery tokens that were already handled successfully.
type ReplayGuard interface {
	Seen(ctx context.Context, token string) (bool, error)
	Remember(ctx context.Context, token string) error
}

// NonceStore is an in-process ReplayGuard.
type NonceStore struct {
	mu      sync.RWMutex
	nonces  map[string]time.Time
	expiry  time.Duration
	now     func() time.Time
	cleanup time.Time
}

// NewNonceStore creates a new nonce store with the given expiry duration.
func NewNonceStore(expiry time.Duration) *NonceStore {
	if expiry <= 0 {
		expiry = NonceExpiry
	}
	return &NonceStore{
		nonces: make(map[string]time.Time),
		expiry: expiry,
		now:    time.Now,
	}
}

func (s *NonceStore) Seen(_ context.Context, nonce string) (bool, error) {
	s.mu.RLock()
	recorded, exists := s.nonces[nonce]
	s.mu.RUnlock()
	if !exists {
		return false, nil
	}
	return s.now().Sub(recorded) <= s.expiry, nil
}

// Remember records a nonce as seen and periodically drops expired ones.
func (s *NonceStore) Remember(_ context.Context, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.nonces[nonce] = now

	if now.Sub(s.cleanup) > time.Minute {
		for key, recorded := range s.nonces {
			if now.Sub(recorded) > s.expiry {
				delete(s.nonces, key)
			}
		}
		s.cleanup = now
	}
	return nil
}

// RedisNonceStore shares delivery tokens across service instances.
type RedisNonceStore struct {
	rdb    *redis.Client
	prefix string
	expiry time.Duration
}

func NewRedisNonceStore(rdb *redis.Client, expiry time.Duration) *RedisNonceStore {
	if expiry <= 0 {
		expiry = NonceExpiry
	}
	return &RedisNonceStore{rdb: rdb, prefix: "threadmask:webhook:nonce:", expiry: expiry}
}

func (s *RedisNonceStore) Seen(ctx context.Context, nonce string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.prefix+nonce).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check webhook nonce: %w", err)
	}
	return n > 0, nil
}

func (s *RedisNonceStore) Remember(ctx context.Context, nonce string) error {
	if err := s.rdb.Set(ctx, s.prefix+nonce, 1, s.expiry).Err(); err != nil {
		return fmt.Errorf("failed to record webhook nonce: %w", err)
	}
	return nil
}

// Middleware verifies carrier signatures on webhook requests.
type Middleware struct {
	verifier  SignatureVerifier
	publicURL string
	required  bool
	replays   ReplayGuard
	onError   func(w http.ResponseWriter, err error)
	log       *logger.Logger
}

// NewMiddleware verifies against publicURL, the externally visible base URL the
// carrier was configured with. An empty publicURL falls back to the request host.
func NewMiddleware(verifier SignatureVerifier, publicURL string, required bool) *Middleware {
	return &Middleware{
		verifier:  verifier,
		publicURL: strings.TrimRight(strings.TrimSpace(publicURL), "/"),
		required:  required,
		onError:   defaultErrorHandler,
	}
}

// WithReplayGuard short-circuits callbacks whose delivery token was already
// handled successfully.
func (m *Middleware) WithReplayGuard(guard ReplayGuard) *Middleware {
	m.replays = guard
	return m
}

// WithErrorHandler sets a custom error handler.
func (m *Middleware) WithErrorHandler(handler func(w http.ResponseWriter, err error)) *Middleware {
	m.onError = handler
	return m
}

func (m *Middleware) WithLogger(log *logger.Logger) *Middleware {
	m.log = log
	return m
}

// Handler wraps an http.Handler with webhook signature verification.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := m.verify(w, r); err != nil {
			m.log.Warn("webhook rejected", "path", r.URL.Path, "error", err)
			m.onError(w, err)
			return
		}

		token := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
		if m.replays == nil || token == "" {
			next.ServeHTTP(w, r)
			return
		}

		seen, err := m.replays.Seen(r.Context(), token)
		if err != nil {
			m.log.Warn("webhook replay guard unavailable", "error", err)
		}
		if seen {
			m.log.Debug("webhook delivery token already handled", "path", r.URL.Path)
			writeEmptyTwiML(w)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.status < 300 {
			if err := m.replays.Remember(r.Context(), token); err != nil {
				m.log.Warn("failed to remember webhook delivery token", "error", err)
			}
		}
	})
}

func (m *Middleware) verify(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidForm, err)
	}
	if !m.required {
		return nil
	}

	signature := strings.TrimSpace(r.Header.Get(provider.SignatureHeader))
	if signature == "" {
		return ErrMissingSignature
	}
	if !m.verifier.VerifySignature(m.requestURL(r), r.PostForm, signature) {
		return ErrSignatureMismatch
	}
	return nil
}

// requestURL rebuilds the URL exactly as the carrier addressed it.
func (m *Middleware) requestURL(r *http.Request) string {
	base := m.publicURL
	if base == "" {
		scheme := "https"
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else if r.TLS == nil {
			scheme = "http"
		}
		base = scheme + "://" + r.Host
	}
	return base + r.URL.RequestURI()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// defaultErrorHandler writes a JSON error response.
func defaultErrorHandler(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	switch {
	case errors.Is(err, ErrMissingSignature),
		errors.Is(err, ErrSignatureMismatch):
		w.WriteHeader(http.StatusUnauthorized)
	case errors.Is(err, ErrInvalidForm):
		w.WriteHeader(http.StatusBadRequest)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}

	fmt.Fprintf(w, `{"error":%q}`, err.Error())
}
