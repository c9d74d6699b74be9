package main

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/example/carrental/internal/auth"
	"github.com/example/carrental/internal/config"
	ratelimitmw "github.com/example/carrental/internal/http/middleware"
	"github.com/example/carrental/pkg/observability"
)

// newRouter authenticates every /v1 request, rate limits it per customer and
// proxies it to the reservation service with trusted identity headers.
func newRouter(cfg config.GatewayConfig, limiter *ratelimitmw.RateLimiter, logger *zap.Logger) (http.Handler, error) {
	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q", cfg.UpstreamURL)
	}
	proxy := newProxy(upstream, cfg, logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID, chimiddleware.RealIP, chimiddleware.Logger, chimiddleware.Recoverer)
	r.Mount("/observability", observability.MetricsRouter(nil))

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(cfg.JWTSecret, auth.RoleCustomer, auth.RoleAgent, auth.RoleAdmin))
		r.Use(limiter.Middleware)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleAgent, auth.RoleAdmin))
			r.Put("/vehicles/{id}", proxy)
			r.Post("/bookings/{id}/status", proxy)
		})
		r.Handle("/holds", proxy)
		r.Handle("/holds/*", proxy)
		r.Get("/bookings/{id}", proxy)
		r.Get("/vehicles/{id}/*", proxy)
	})
	return r, nil
}

func newProxy(upstream *url.URL, cfg config.GatewayConfig, logger *zap.Logger) http.HandlerFunc {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.UpstreamTimeout
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
			auth.ForwardIdentity(pr.Out)
			if id := chimiddleware.GetReqID(pr.In.Context()); id != "" {
				pr.Out.Header.Set(chimiddleware.RequestIDHeader, id)
			}
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("upstream request failed", zap.String("path", r.URL.Path), zap.Error(err))
			http.Error(w, "reservation service unavailable", http.StatusBadGateway)
		},
	}
	return rp.ServeHTTP
}
