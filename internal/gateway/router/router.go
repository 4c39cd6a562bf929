// Package router wires up the ingestion routes and applies the middleware
// chain (RequestID → AccessLog → Timeout, then RateLimit → Metrics per route).
package router

import (
	"net/http"
	"strings"
	"time"

	gwmw "github.com/Adithya-Monish-Kumar-K/pipelines/internal/gateway/middleware"
	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/ingestion/handler"
	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/ratelimit"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/metrics"
	pkgmw "github.com/Adithya-Monish-Kumar-K/pipelines/pkg/middleware"
)

// Options holds the optional parts of the chain. A nil Limiter disables
// admission control and nil Metrics disables instrumentation.
type Options struct {
	Limiter        ratelimit.Limiter
	LimitKey       gwmw.KeyFunc
	Metrics        *metrics.Metrics
	RequestTimeout time.Duration
}

// New builds the full HTTP handler with all routes and middleware.
//
// Route table:
//
//	POST /put/{index_name}/{index_type}   → single typed entity
//	POST /bulk/{index_name}               → keyed bulk
//	POST /bulk/{index_name}/{index_type}  → list bulk
//	POST /delete/{index_name}             → delete index
//	POST /delete/object/{index_name}      → delete document, id in body
//	POST /delete/{index_name}/{obj_id}    → delete document, id in path
//	GET  /health                          → liveness
//	GET  /health/ready                    → readiness
//
// /delete/object/{index_name} is more specific than /delete/{index_name}/{obj_id}
// and wins, so an index literally named "object" cannot be targeted by the
// path form.
func New(h *handler.Handler, checker *health.Checker, opts Options) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	mutating := func(pattern string, fn http.HandlerFunc) {
		var route http.Handler = fn
		if opts.Limiter != nil {
			key := opts.LimitKey
			if key == nil {
				key = func(r *http.Request) string { return gwmw.ClientIP(r, false) }
			}
			route = gwmw.RateLimit(opts.Limiter, key, opts.Metrics)(route)
		}
		if opts.Metrics != nil {
			_, path, _ := strings.Cut(pattern, " ")
			route = pkgmw.Metrics(opts.Metrics, path)(route)
		}
		mux.Handle(pattern, route)
	}

	mutating("POST /put/{index_name}/{index_type}", h.Put)
	mutating("POST /bulk/{index_name}", h.BulkKeyed)
	mutating("POST /bulk/{index_name}/{index_type}", h.BulkList)
	mutating("POST /delete/{index_name}", h.DeleteIndex)
	mutating("POST /delete/object/{index_name}", h.DeleteObject)
	mutating("POST /delete/{index_name}/{obj_id}", h.DeleteByPath)

	// Middleware chain, applied inside-out:
	// request → RequestID → AccessLog → Timeout → mux
	var chain http.Handler = mux
	chain = pkgmw.Timeout(opts.RequestTimeout)(chain)
	chain = pkgmw.AccessLog(chain)
	chain = pkgmw.RequestID(chain)

	return chain
}
