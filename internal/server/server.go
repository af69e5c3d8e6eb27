package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gluk-w/workshop-gateway/internal/ingress"
	"github.com/gluk-w/workshop-gateway/internal/metrics"
	"github.com/gluk-w/workshop-gateway/internal/middleware"
	"github.com/gluk-w/workshop-gateway/internal/terminal"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
)

// Options carries the components the gateway routes between.
type Options struct {
	ListenAddr       string
	SessionNamespace string
	IngressDomain    string
	// HeaderToken is substituted into ingress header templates.
	HeaderToken string

	Table    *ingress.Table
	Registry *terminal.Registry
	Endpoint *terminal.Endpoint
	// Access guards session-authenticated ingresses and the terminal
	// endpoints. Nil admits everything.
	Access  middleware.AccessChecker
	Metrics *metrics.Metrics
}

// Gateway is the HTTP front of a workshop session.
type Gateway struct {
	srv      *http.Server
	registry *terminal.Registry
}

// New wires the routes. Request order:
//
//  1. ingresses with authentication "none"
//  2. ingresses with authentication "session", behind access control
//  3. /health and /metrics
//  4. terminal endpoints, behind access control
func New(opts Options) *Gateway {
	routerOpts := ingress.Options{
		SessionNamespace: opts.SessionNamespace,
		IngressDomain:    opts.IngressDomain,
		Token:            opts.HeaderToken,
		Metrics:          opts.Metrics,
	}
	routerOpts.Mode = ingress.AuthNone
	public := ingress.NewRouter(opts.Table, routerOpts)
	routerOpts.Mode = ingress.AuthSession
	authenticated := ingress.NewRouter(opts.Table, routerOpts)

	requireAccess := middleware.RequireAccess(opts.Access)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestLogger(&chimw.DefaultLogFormatter{Logger: log.StandardLogger(), NoColor: true}))
	r.Use(public.Middleware)
	r.Use(guardedIngress(authenticated, requireAccess))

	r.Get("/health", healthHandler(opts.Registry))
	r.Handle("/metrics", opts.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(requireAccess)
		r.Handle(terminal.ServerPath, opts.Endpoint)
		r.Get("/terminal/sessions", terminal.SessionsHandler(opts.Registry).ServeHTTP)
	})

	return &Gateway{
		srv: &http.Server{
			Addr:              opts.ListenAddr,
			Handler:           r,
			ReadHeaderTimeout: 30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		registry: opts.Registry,
	}
}

// guardedIngress applies access control only to requests the router will
// proxy; everything else continues down the chain unchecked.
func guardedIngress(rt *ingress.Router, access func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		proxied := access(rt.Middleware(next))
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := rt.Match(r); ok {
				proxied.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Handler returns the root handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler { return g.srv.Handler }

// ListenAndServe serves until Shutdown is called.
func (g *Gateway) ListenAndServe() error {
	log.Printf("[gateway] listening on %s", g.srv.Addr)
	if err := g.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes every terminal socket, then stops the listener and waits
// for in-flight requests. Terminal processes keep running.
func (g *Gateway) Shutdown(ctx context.Context) error {
	log.Printf("[gateway] shutting down")
	g.registry.CloseAll()
	return g.srv.Shutdown(ctx)
}

func healthHandler(registry *terminal.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		running := 0
		sessions := registry.List()
		for _, s := range sessions {
			if s.Running {
				running++
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"service":   "workshop-gateway",
			"sessions":  len(sessions),
			"terminals": running,
		}); err != nil {
			log.Debugf("[gateway] write health response: %v", err)
		}
	}
}
