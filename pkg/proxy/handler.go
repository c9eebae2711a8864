package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"

	"github.com/apigate/apigate/pkg/config"
)

const (
	appKeyHeader = "App-Key"
	tokenHeader  = "X-Token"

	defaultContentType = "application/json"
)

var (
	forwardRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "apigate_forward_requests_total",
		Help: "Total amount of forwarded requests, by result.",
	}, []string{"result"})
	forwardDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apigate_forward_request_duration_seconds",
		Help:    "Tracks the duration of requests forwarded to the upstream.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"status_code"})
)

func init() {
	prometheus.MustRegister(forwardRequests)
	prometheus.MustRegister(forwardDuration)
}

// ForwardError indicates the proxied call to the upstream failed or
// returned content that could not be relayed.
type ForwardError struct {
	Message string
	Err     error
}

func (e *ForwardError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ForwardError) Unwrap() error { return e.Err }

type errorEnvelope struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// Handler forwards inbound requests to a single upstream, injecting the
// application key and a valid token. Responses are relayed with the
// upstream status code; every failure is converted into a single 500
// response with a JSON error envelope, so callers are never left hanging.
type Handler struct {
	upstream *url.URL
	prefix   string
	client   *http.Client
	tokens   oauth2.TokenSource
	cfg      config.Source
	logger   log.Logger
}

// NewHandler returns a Handler proxying to upstream. prefix is stripped
// from inbound paths exactly once before forwarding.
func NewHandler(logger log.Logger, upstream *url.URL, prefix string, client *http.Client, tokens oauth2.TokenSource, cfg config.Source) *Handler {
	return &Handler{
		upstream: upstream,
		prefix:   prefix,
		client:   client,
		tokens:   tokens,
		cfg:      cfg,
		logger:   log.With(logger, "component", "proxy"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rlogger := log.With(h.logger, "request", middleware.GetReqID(r.Context()))

	body, status, err := h.forward(r)
	if err != nil {
		forwardRequests.WithLabelValues("error").Inc()
		level.Warn(rlogger).Log("msg", "proxy request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		h.writeJSON(rlogger, w, http.StatusInternalServerError, errorEnvelope{
			Error:   "failed to proxy request",
			Details: err.Error(),
		})
		return
	}

	forwardRequests.WithLabelValues("success").Inc()
	h.writeJSON(rlogger, w, status, body.Value())
}

func (h *Handler) forward(r *http.Request) (*Body, int, error) {
	tok, err := h.tokens.Token()
	if err != nil {
		return nil, 0, err
	}

	appKey, err := h.cfg.Lookup(config.KeyAppKey)
	if err != nil {
		return nil, 0, err
	}

	outBody, err := h.requestBody(r)
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequest(r.Method, h.targetURL(r), outBody)
	if err != nil {
		return nil, 0, &ForwardError{Message: "unable to create forward request", Err: err}
	}
	req = req.WithContext(r.Context())

	contentType := r.Header.Get("Content-Type")
	if len(contentType) == 0 {
		contentType = defaultContentType
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(appKeyHeader, appKey)
	req.Header.Set(tokenHeader, tok.AccessToken)

	begin := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, 0, &ForwardError{Message: "forward request failed", Err: err}
	}
	defer resp.Body.Close()

	forwardDuration.
		WithLabelValues(fmt.Sprintf("%d", resp.StatusCode)).
		Observe(time.Since(begin).Seconds())

	body, err := readBody(resp)
	if err != nil {
		return nil, 0, err
	}

	return body, resp.StatusCode, nil
}

// targetURL joins the upstream host with the inbound path, stripping the
// proxy prefix exactly once and preserving the query string.
func (h *Handler) targetURL(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, h.prefix)
	target := strings.TrimRight(h.upstream.String(), "/") + path
	if len(r.URL.RawQuery) > 0 {
		target += "?" + r.URL.RawQuery
	}
	return target
}

// requestBody re-serializes the inbound JSON body for forwarding. GET and
// HEAD requests never carry a body, matching how the upstream is called.
func (h *Handler) requestBody(r *http.Request) (io.Reader, error) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return nil, nil
	}

	data, err := ioutil.ReadAll(r.Body)
	if err != nil {
		return nil, &ForwardError{Message: "unable to read request body", Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var parsed interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &ForwardError{Message: "request body is not valid JSON", Err: err}
	}
	out, err := json.Marshal(parsed)
	if err != nil {
		return nil, &ForwardError{Message: "unable to serialize request body", Err: err}
	}

	return bytes.NewReader(out), nil
}

func (h *Handler) writeJSON(logger log.Logger, w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		// Last resort, the envelope itself should always marshal.
		http.Error(w, `{"error":"failed to proxy request","details":"unable to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", defaultContentType)
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		level.Warn(logger).Log("msg", "could not write response", "err", err)
	}
}
