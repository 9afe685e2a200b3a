package middleware

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/oarkflow/abac"
	"github.com/oarkflow/abac/logger"
)

// HTTPOptions configures the net/http middleware.
type HTTPOptions struct {
	Engine Evaluator
	Routes []Route
	// Subject extracts the caller; defaults to SubjectFromHeaders.
	Subject func(r *http.Request) (abac.Subject, error)
	// AllowUnmatched passes requests that match no route. Otherwise they are
	// denied.
	AllowUnmatched bool
	OnDenied       func(w http.ResponseWriter, r *http.Request, res *abac.EvaluationResult)
	OnError        func(w http.ResponseWriter, r *http.Request, err error)
	Logger         logger.Logger
	Clock          func() time.Time
}

func (o *HTTPOptions) withDefaults() *HTTPOptions {
	cp := *o
	if cp.Subject == nil {
		cp.Subject = func(r *http.Request) (abac.Subject, error) {
			return SubjectFromHeaders(r.Header.Get), nil
		}
	}
	if cp.OnDenied == nil {
		cp.OnDenied = func(w http.ResponseWriter, r *http.Request, res *abac.EvaluationResult) {
			http.Error(w, "forbidden", http.StatusForbidden)
		}
	}
	if cp.OnError == nil {
		cp.OnError = func(w http.ResponseWriter, r *http.Request, err error) {
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
	if cp.Logger == nil {
		cp.Logger = logger.NewNullLogger()
	}
	if cp.Clock == nil {
		cp.Clock = time.Now
	}
	return &cp
}

// NewHTTPMiddleware returns a handler wrapper that evaluates every request
// against the route table and only calls next on ALLOW.
func NewHTTPMiddleware(opts HTTPOptions) func(next http.Handler) http.Handler {
	o := opts.withDefaults()
	routes := routeTable(o.Routes)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if o.Engine == nil {
				o.OnError(w, r, fmt.Errorf("abac middleware: engine is required"))
				return
			}
			route, params, ok := routes.lookup(r.Method, r.URL.Path)
			if !ok {
				if o.AllowUnmatched {
					next.ServeHTTP(w, r)
					return
				}
				o.OnDenied(w, r, nil)
				return
			}
			sub, err := o.Subject(r)
			if err != nil {
				o.OnError(w, r, err)
				return
			}
			ec := buildContext(route, params, r.Method, r.URL.Path, remoteIP(r), sub, o.Clock())
			res, err := o.Engine.Evaluate(r.Context(), ec)
			if err != nil {
				o.Logger.Error("abac middleware evaluation failed", "path", r.URL.Path, "error", err)
				o.OnError(w, r, err)
				return
			}
			r = r.WithContext(ContextWithResult(r.Context(), res))
			if !res.Allowed() {
				o.Logger.Debug("request denied", "path", r.URL.Path, "subject", sub.ID, "reason", res.Reason)
				o.OnDenied(w, r, res)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
