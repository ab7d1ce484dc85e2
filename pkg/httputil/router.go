package httputil

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/edgeflare/restlet/pkg/util"
	"go.uber.org/zap"
)

// Middleware defines a function type that represents a middleware. Middleware functions wrap an
// http.Handler to modify or enhance its behavior.
type Middleware func(http.Handler) http.Handler

// RouterOptions is a function type that represents options to configure a Router.
type RouterOptions func(*Router)

// Router is the main structure for handling HTTP routing and middleware.
type Router struct {
	mux        *http.ServeMux
	server     *http.Server
	logger     *zap.Logger
	err        error
	prefix     string
	middleware []Middleware
	mu         sync.RWMutex
}

// NewRouter creates a new instance of Router with the given options.
func NewRouter(opts ...RouterOptions) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		server: &http.Server{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithServerOptions returns a RouterOptions function that sets custom http.Server options.
func WithServerOptions(opts ...func(*http.Server)) RouterOptions {
	return func(r *Router) {
		for _, opt := range opts {
			opt(r.server)
		}
	}
}

// WithLogger sets the logger used for server lifecycle messages.
func WithLogger(logger *zap.Logger) RouterOptions {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithTLS serves HTTPS with the key pair at certFile and keyFile. A
// self-signed pair is generated under ./tls when either path is empty or
// when neither file exists. Failures surface from ListenAndServe.
func WithTLS(certFile, keyFile string, hosts ...string) RouterOptions {
	return func(r *Router) {
		if certFile == "" || keyFile == "" {
			certFile, keyFile = "./tls/tls.crt", "./tls/tls.key"
		}
		cert, err := util.LoadOrGenerateCert(certFile, keyFile, hosts...)
		if err != nil {
			r.err = fmt.Errorf("configuring TLS: %w", err)
			return
		}
		r.server.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}
}

// Use adds one or more middleware to the router. At least one middleware must be provided.
// Middleware functions are applied in the order they are added.
func (r *Router) Use(mw Middleware, additional ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
	if len(additional) > 0 {
		r.middleware = append(r.middleware, additional...)
	}
}

// Group creates a new sub-router with a specified prefix. The sub-router inherits the middleware
// from its parent router.
func (r *Router) Group(prefix string) *Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &Router{
		mux:        r.mux,
		middleware: slices.Clone(r.middleware),
		server:     r.server,
		logger:     r.logger,
		prefix:     r.prefix + prefix,
	}
}

// Handle registers a handler for a pattern as introduced in
// [Routing Enhancements for Go 1.22](https://go.dev/blog/routing-enhancements).
// The pattern is either `METHOD /path` or `/path` for every method.
// `METHOD /pattern` on a route group with a /prefix resolves to `METHOD /prefix/pattern`.
func (r *Router) Handle(methodPattern string, handler http.Handler) {
	method, pattern, hasMethod := strings.Cut(methodPattern, " ")
	if !hasMethod {
		method, pattern = "", methodPattern
	}
	if !strings.HasPrefix(pattern, "/") {
		panic(fmt.Sprintf("httputil: invalid method pattern %q", methodPattern))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	finalHandler := handler
	for i := len(r.middleware) - 1; i >= 0; i-- {
		finalHandler = r.middleware[i](finalHandler)
	}

	fullPattern := r.prefix + pattern
	if method != "" {
		fullPattern = method + " " + fullPattern
	}
	r.mux.Handle(fullPattern, finalHandler)
}

// ServeHTTP dispatches to the registered handlers. Middleware is applied per
// route by Handle.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// ListenAndServe serves HTTPS when WithTLS configured a certificate and
// plain HTTP otherwise. It returns http.ErrServerClosed after Shutdown.
func (r *Router) ListenAndServe(addr string) error {
	if r.err != nil {
		return r.err
	}
	fmt.Print(colorGreen + restletASCIIArt + colorReset)

	r.server.Addr = addr
	r.server.Handler = r.mux

	if r.server.TLSConfig != nil {
		r.logger.Info("starting server", zap.String("addr", addr), zap.Bool("tls", true))
		return r.server.ListenAndServeTLS("", "")
	}
	r.logger.Info("starting server", zap.String("addr", addr), zap.Bool("tls", false))
	return r.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (r *Router) Shutdown(ctx context.Context) error {
	r.logger.Info("shutting down server")
	return r.server.Shutdown(ctx)
}

// Constants for ASCII art and console colors
const (
	colorGreen      = "\033[32m"
	colorReset      = "\033[0m"
	restletASCIIArt = `
                _   _      _
 _ __ ___  ___| |_| | ___| |_
| '__/ _ \/ __| __| |/ _ \ __|
| | |  __/\__ \ |_| |  __/ |_
|_|  \___||___/\__|_|\___|\__|

`
)
