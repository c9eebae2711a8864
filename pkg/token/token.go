package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/apigate/apigate/pkg/cache"
	"github.com/apigate/apigate/pkg/config"
)

const (
	// LoginPath is the upstream endpoint tokens are exchanged at.
	LoginPath = "/api/v1/login/login"

	// expirySlack is how long before the declared expiry a cached token is
	// already treated as stale, so requests never ride a token that dies
	// mid-flight.
	expirySlack = 60 * time.Second

	defaultExpiresIn = 3600

	sharedCacheKey = "apigate/token"
)

var loginRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "apigate_login_requests_total",
	Help: "Total amount of login requests made to the upstream, by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(loginRequests)
}

// AuthError indicates the upstream rejected the login, returned a malformed
// body, or was unreachable. The cached token is cleared whenever one is
// returned, so the next request attempts a fresh login.
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AuthError) Unwrap() error { return e.Err }

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Data struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expires_in"`
	} `json:"data"`
	Msg string `json:"msg"`
}

// cachedToken is the shape mirrored into an optional shared cache so a warm
// token survives process restarts.
type cachedToken struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

// Manager owns the cached upstream token and refreshes it lazily. All
// state is guarded by a mutex, so concurrent requests within a process
// share a single login; independently started processes may still race to
// log in, which the upstream tolerates.
type Manager struct {
	loginURL *url.URL
	client   *http.Client
	cfg      config.Source
	shared   cache.Cacher
	logger   log.Logger

	lock    sync.Mutex
	value   string
	expires time.Time

	now func() time.Time
}

// NewManager returns a Manager exchanging credentials at loginURL. shared
// may be nil, in which case the token only lives in process memory.
func NewManager(loginURL *url.URL, client *http.Client, cfg config.Source, shared cache.Cacher, logger log.Logger) *Manager {
	return &Manager{
		loginURL: loginURL,
		client:   client,
		cfg:      cfg,
		shared:   shared,
		logger:   log.With(logger, "component", "token"),
		now:      time.Now,
	}
}

// GetValidToken returns a token that is valid for at least another minute,
// logging in to the upstream if the cached one is absent or near expiry.
func (m *Manager) GetValidToken(ctx context.Context) (string, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.validLocked() {
		return m.value, nil
	}

	if m.loadSharedLocked() {
		return m.value, nil
	}

	return m.loginLocked(ctx)
}

// Invalidate clears the cached token so the next request logs in again.
func (m *Manager) Invalidate() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.clearLocked()
}

// Expiry reports when the cached token expires. The zero time is returned
// when no token is cached.
func (m *Manager) Expiry() time.Time {
	m.lock.Lock()
	defer m.lock.Unlock()
	if len(m.value) == 0 {
		return time.Time{}
	}
	return m.expires
}

func (m *Manager) validLocked() bool {
	return len(m.value) > 0 && m.now().Add(expirySlack).Before(m.expires)
}

func (m *Manager) clearLocked() {
	m.value = ""
	m.expires = time.Time{}
}

// loadSharedLocked adopts a token another instance already paid for, when a
// shared cache is configured. Best effort only.
func (m *Manager) loadSharedLocked() bool {
	if m.shared == nil {
		return false
	}
	raw, ok, err := m.shared.Get(sharedCacheKey)
	if err != nil {
		level.Debug(m.logger).Log("msg", "shared cache read failed", "err", err)
		return false
	}
	if !ok {
		return false
	}
	var ct cachedToken
	if err := json.Unmarshal(raw, &ct); err != nil {
		level.Debug(m.logger).Log("msg", "shared cache entry malformed", "err", err)
		return false
	}
	if len(ct.Token) == 0 || !m.now().Add(expirySlack).Before(ct.Expires) {
		return false
	}
	m.value = ct.Token
	m.expires = ct.Expires
	return true
}

func (m *Manager) storeSharedLocked() {
	if m.shared == nil {
		return
	}
	raw, err := json.Marshal(cachedToken{Token: m.value, Expires: m.expires})
	if err != nil {
		return
	}
	if err := m.shared.Set(sharedCacheKey, raw); err != nil {
		level.Debug(m.logger).Log("msg", "shared cache write failed", "err", err)
	}
}

func (m *Manager) loginLocked(ctx context.Context) (string, error) {
	username, err := m.cfg.Lookup(config.KeyUsername)
	if err != nil {
		return "", err
	}
	password, err := m.cfg.Lookup(config.KeyPassword)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(loginRequest{
		Username: username,
		Password: DeriveCredential(password),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, m.loginURL.String(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("unable to create login request: %v", err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		m.clearLocked()
		loginRequests.WithLabelValues("error").Inc()
		return "", &AuthError{Message: "login request failed", Err: err}
	}
	defer resp.Body.Close()

	response, parseErr := parseLoginBody(resp.Body, 16*1024)

	if resp.StatusCode/100 != 2 || parseErr != nil || len(response.Data.Token) == 0 {
		m.clearLocked()
		loginRequests.WithLabelValues("rejected").Inc()

		msg := "upstream rejected the login request"
		if parseErr == nil && len(response.Msg) > 0 {
			msg = response.Msg
		}
		level.Warn(m.logger).Log("msg", "login failed", "status", resp.StatusCode, "detail", msg)
		return "", &AuthError{Message: msg, Err: parseErr}
	}

	expiresIn := response.Data.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}

	m.value = response.Data.Token
	m.expires = m.now().Add(time.Duration(expiresIn) * time.Second)
	m.storeSharedLocked()

	loginRequests.WithLabelValues("success").Inc()
	level.Debug(m.logger).Log("msg", "login succeeded", "expires_in", expiresIn)

	return m.value, nil
}

func parseLoginBody(r io.Reader, limitBytes int64) (*loginResponse, error) {
	data, err := ioutil.ReadAll(io.LimitReader(r, limitBytes))
	if err != nil {
		return nil, fmt.Errorf("unable to read the login response: %v", err)
	}
	response := &loginResponse{}
	if err := json.Unmarshal(data, response); err != nil {
		return nil, fmt.Errorf("unable to parse the login response: %v", err)
	}
	return response, nil
}
