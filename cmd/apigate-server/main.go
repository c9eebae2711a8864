package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"
	"github.com/oklog/run"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/apigate/apigate/pkg/cache"
	"github.com/apigate/apigate/pkg/cache/memcached"
	"github.com/apigate/apigate/pkg/config"
	apigate_http "github.com/apigate/apigate/pkg/http"
	"github.com/apigate/apigate/pkg/logger"
	"github.com/apigate/apigate/pkg/proxy"
	"github.com/apigate/apigate/pkg/server"
	"github.com/apigate/apigate/pkg/token"
	"github.com/apigate/apigate/pkg/tracing"
)

const desc = `
Reverse proxy that injects upstream credentials into forwarded requests.

Requests arriving under the proxy prefix are forwarded to the single
configured upstream with the configured application key and a bearer token
obtained from the upstream login endpoint. Tokens are exchanged lazily and
cached until shortly before their declared expiry; a failed login simply
fails the current request and the next one retries.

The upstream principal, secret and application key are read from the
UPSTREAM_USERNAME, UPSTREAM_PASSWORD and UPSTREAM_APP_KEY environment
variables when a request needs them. Missing values fail the request, not
the process.
`

func defaultOpts() *Options {
	return &Options{
		Prefix:          "/proxy",
		MemcachedExpire: 3600,
	}
}

func main() {
	opt := defaultOpts()

	var listen, listenInternal string
	cmd := &cobra.Command{
		Short:         "Credential-injecting proxy for a single upstream API.",
		Long:          desc,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			listener, err := net.Listen("tcp", listen)
			if err != nil {
				return err
			}
			internalListener, err := net.Listen("tcp", listenInternal)
			if err != nil {
				return err
			}

			return opt.Run(context.Background(), listener, internalListener)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "0.0.0.0:9080", "A host:port to listen on for proxy traffic.")
	cmd.Flags().StringVar(&listenInternal, "listen-internal", "localhost:9081", "A host:port to listen on for health and metrics.")

	cmd.Flags().StringVar(&opt.Upstream, "upstream", opt.Upstream, "The upstream API to proxy to, e.g. https://api.example.com.")
	cmd.Flags().StringVar(&opt.Prefix, "prefix", opt.Prefix, "The path prefix stripped from inbound requests before forwarding.")

	cmd.Flags().DurationVar(&opt.Ratelimit, "ratelimit", opt.Ratelimit, "The rate limit of proxied requests per client IP. Zero disables rate limiting.")

	cmd.Flags().StringSliceVar(&opt.MemcachedServers, "memcached", opt.MemcachedServers, "One or more host:ports of Memcached servers to share the token between instances. If unset the token lives in process memory only.")
	cmd.Flags().Int32Var(&opt.MemcachedExpire, "memcached-expire", opt.MemcachedExpire, "Expiration of the shared token cache entry in seconds.")

	cmd.Flags().StringVar(&opt.LogLevel, "log-level", opt.LogLevel, "Log filtering level. e.g info, debug, warn, error")
	cmd.Flags().BoolVarP(&opt.Verbose, "verbose", "v", opt.Verbose, "Show verbose output, including full outbound requests and responses.")

	cmd.Flags().StringVar(&opt.TracingServiceName, "internal.tracing.service-name", "apigate-server",
		"The service name to report to the tracing backend.")
	cmd.Flags().StringVar(&opt.TracingEndpoint, "internal.tracing.endpoint", "",
		"The full URL of the trace collector. If it's not set, tracing will be disabled.")
	cmd.Flags().Float64Var(&opt.TracingSamplingFraction, "internal.tracing.sampling-fraction", 0.1,
		"The fraction of traces to sample. Thus, if you set this to .5, half of traces will be sampled.")
	cmd.Flags().StringVar(&opt.TracingEndpointType, "internal.tracing.endpoint-type", string(tracing.EndpointTypeAgent),
		fmt.Sprintf("The tracing endpoint type. Options: '%s', '%s', '%s'.", tracing.EndpointTypeAgent, tracing.EndpointTypeCollector, tracing.EndpointTypeOTel))

	l := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	l = log.WithPrefix(l, "ts", log.DefaultTimestampUTC)
	l = log.WithPrefix(l, "caller", log.DefaultCaller)
	l = log.WithPrefix(l, "instance", uuid.New().String())
	stdlog.SetOutput(log.NewStdlibAdapter(l))
	opt.Logger = l

	level.Info(l).Log("msg", "apigate server initialized")
	if err := cmd.Execute(); err != nil {
		level.Error(l).Log("err", err)
		os.Exit(1)
	}
}

type Options struct {
	Upstream string
	Prefix   string

	Ratelimit time.Duration

	MemcachedServers []string
	MemcachedExpire  int32

	LogLevel string
	Logger   log.Logger

	TracingServiceName      string
	TracingEndpoint         string
	TracingEndpointType     string
	TracingSamplingFraction float64

	Verbose bool
}

type Paths struct {
	Paths []string `json:"paths"`
}

func (o *Options) Run(ctx context.Context, externalListener, internalListener net.Listener) error {
	if len(o.Upstream) == 0 {
		return fmt.Errorf("you must specify an upstream API to proxy to (e.g. https://api.example.com)")
	}
	upstreamURL, err := url.Parse(o.Upstream)
	if err != nil {
		return fmt.Errorf("--upstream is not a valid URL: %v", err)
	}
	if upstreamURL.Scheme != "http" && upstreamURL.Scheme != "https" {
		return fmt.Errorf("--upstream must be a http or https URL")
	}

	o.Prefix = "/" + strings.Trim(o.Prefix, "/")

	o.Logger = level.NewFilter(o.Logger, logger.LogLevelFromString(o.LogLevel))

	tp, err := tracing.InitTracer(
		ctx,
		o.TracingServiceName,
		o.TracingEndpoint,
		o.TracingEndpointType,
		o.TracingSamplingFraction,
	)
	if err != nil {
		return fmt.Errorf("cannot initialize tracer: %v", err)
	}

	otel.SetErrorHandler(tracing.OtelErrorHandler{Logger: o.Logger})

	var transport http.RoundTripper = otelhttp.NewTransport(&http.Transport{
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     30 * time.Second,
	})

	if o.Verbose {
		transport = apigate_http.NewDebugRoundTripper(o.Logger, transport)
	}

	// No client timeouts: an unresponsive upstream stalls the handler until
	// the request is cancelled from the outside.
	loginClient := &http.Client{
		Transport: apigate_http.NewInstrumentedRoundTripper("login", transport),
	}
	forwardClient := &http.Client{
		Transport: apigate_http.NewInstrumentedRoundTripper("forward", transport),
	}

	var shared cache.Cacher
	if len(o.MemcachedServers) > 0 {
		shared = memcached.New(o.MemcachedExpire, o.MemcachedServers...)
	}

	loginURL, err := url.Parse(strings.TrimRight(o.Upstream, "/") + token.LoginPath)
	if err != nil {
		return fmt.Errorf("cannot construct login URL: %v", err)
	}

	cfg := config.Env{}
	manager := token.NewManager(loginURL, loginClient, cfg, shared, o.Logger)
	handler := proxy.NewHandler(o.Logger, upstreamURL, o.Prefix, forwardClient, token.Source(ctx, manager), cfg)

	var g run.Group
	{
		internal := http.NewServeMux()

		apigate_http.DebugRoutes(internal)
		apigate_http.MetricRoutes(internal)

		r := chi.NewRouter()
		r.Mount("/", internal)

		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			internalPathJSON, _ := json.MarshalIndent(Paths{Paths: []string{"/", "/metrics", "/debug/pprof", "/healthz", "/healthz/ready"}}, "", "  ")

			w.Header().Add("Content-Type", "application/json")
			if _, err := w.Write(internalPathJSON); err != nil {
				level.Error(o.Logger).Log("msg", "could not write internal paths", "err", err)
			}
		})

		s := &http.Server{
			Handler: otelhttp.NewHandler(r, "internal", otelhttp.WithTracerProvider(tp)),
		}

		// Run the internal server.
		g.Add(func() error {
			if err := s.Serve(internalListener); err != nil && err != http.ErrServerClosed {
				level.Error(o.Logger).Log("msg", "internal HTTP server exited", "err", err)
				return err
			}
			return nil
		}, func(error) {
			_ = s.Shutdown(context.TODO())
			internalListener.Close()
		})
	}
	{
		external := chi.NewRouter()
		external.Use(middleware.RequestID)
		external.Use(server.RequestLogger(o.Logger))

		mux := http.NewServeMux()
		apigate_http.HealthRoutes(mux)
		external.Mount("/", mux)

		var ph http.Handler = server.InstrumentedHandler("proxy", handler)
		if o.Ratelimit > 0 {
			ph = server.Ratelimit(o.Ratelimit, time.Now, ph)
		}
		external.Handle(o.Prefix, ph)
		external.Handle(o.Prefix+"/*", ph)

		externalPathJSON, _ := json.MarshalIndent(Paths{Paths: []string{"/", "/healthz", "/healthz/ready", o.Prefix}}, "", "  ")

		external.Get("/", func(w http.ResponseWriter, req *http.Request) {
			w.Header().Add("Content-Type", "application/json")
			if _, err := w.Write(externalPathJSON); err != nil {
				level.Error(o.Logger).Log("msg", "could not write external paths", "err", err)
			}
		})

		s := &http.Server{
			Handler: otelhttp.NewHandler(external, "external", otelhttp.WithTracerProvider(tp)),
		}

		// Run the external server.
		g.Add(func() error {
			if err := s.Serve(externalListener); err != nil && err != http.ErrServerClosed {
				level.Error(o.Logger).Log("msg", "external HTTP server exited", "err", err)
				return err
			}
			return nil
		}, func(error) {
			_ = s.Shutdown(context.TODO())
			externalListener.Close()

			// Close clients in order to check for leaks properly.
			loginClient.CloseIdleConnections()
			forwardClient.CloseIdleConnections()
		})
	}

	// Kill all when caller requests to.
	gctx, gcancel := context.WithCancel(ctx)
	g.Add(func() error {
		<-gctx.Done()
		return gctx.Err()
	}, func(err error) {
		gcancel()
	})

	level.Info(o.Logger).Log("msg", "starting apigate-server", "external", externalListener.Addr().String(), "internal", internalListener.Addr().String(), "upstream", o.Upstream, "prefix", o.Prefix)

	return g.Run()
}
