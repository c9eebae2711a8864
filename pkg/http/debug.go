package http

import (
	"net/http"
	"net/http/httputil"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

type debugRoundTripper struct {
	logger log.Logger
	next   http.RoundTripper
}

// NewDebugRoundTripper dumps outbound requests and their responses to the
// debug log. Bodies are included, so this is only for --verbose runs.
func NewDebugRoundTripper(logger log.Logger, next http.RoundTripper) http.RoundTripper {
	return &debugRoundTripper{logger: logger, next: next}
}

func (rt *debugRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	reqDump, err := httputil.DumpRequestOut(req, true)
	if err != nil {
		level.Debug(rt.logger).Log("msg", "failed to dump request", "err", err)
	}

	resp, err := rt.next.RoundTrip(req)
	if err != nil {
		level.Debug(rt.logger).Log("msg", "request failed", "request", string(reqDump), "err", err)
		return resp, err
	}

	respDump, dumpErr := httputil.DumpResponse(resp, true)
	if dumpErr != nil {
		level.Debug(rt.logger).Log("msg", "failed to dump response", "err", dumpErr)
	}
	level.Debug(rt.logger).Log("request", string(reqDump), "response", string(respDump))

	return resp, err
}
