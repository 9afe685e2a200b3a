// Package middleware guards HTTP routes with ABAC decisions for net/http and
// Fiber applications.
package middleware

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/oarkflow/abac"
	"github.com/oarkflow/abac/utils"
)

// Evaluator is implemented by *abac.Engine.
type Evaluator interface {
	Evaluate(ctx context.Context, ec *abac.EvaluationContext) (*abac.EvaluationResult, error)
}

// Route maps a request pattern such as "GET /invoices/:id" to the resource
// type and action that are evaluated for it.
type Route struct {
	Pattern      string
	ResourceType string
	// Action defaults to the lowercased HTTP method.
	Action string
	// IDParam names the path parameter holding the resource id; default "id".
	IDParam string
	// TenantParam names the path parameter holding the resource tenant. When
	// empty or absent the subject's tenant is used.
	TenantParam string
}

// Header names read by SubjectFromHeaders.
const (
	HeaderSubjectID = "X-Subject-ID"
	HeaderTenantID  = "X-Tenant-ID"
	HeaderRoles     = "X-Roles"
	HeaderSubject   = "X-Subject-Type"
)

// SubjectFromHeaders builds a subject from the X-Subject-* headers. Roles are
// comma separated.
func SubjectFromHeaders(get func(string) string) abac.Subject {
	s := abac.Subject{
		ID:       get(HeaderSubjectID),
		TenantID: get(HeaderTenantID),
		Type:     get(HeaderSubject),
	}
	for _, r := range strings.Split(get(HeaderRoles), ",") {
		if r = strings.TrimSpace(r); r != "" {
			s.Roles = append(s.Roles, r)
		}
	}
	return s
}

type routeTable []Route

func (t routeTable) lookup(method, path string) (Route, map[string]string, bool) {
	for _, r := range t {
		if params, ok := utils.MatchRoute(method+" "+path, r.Pattern); ok {
			return r, params, true
		}
	}
	return Route{}, nil, false
}

// buildContext assembles the evaluation context for a matched route.
func buildContext(r Route, params map[string]string, method, path, remoteIP string, sub abac.Subject, now time.Time) *abac.EvaluationContext {
	idParam := r.IDParam
	if idParam == "" {
		idParam = "id"
	}
	action := r.Action
	if action == "" {
		action = strings.ToLower(method)
	}
	tenant := sub.TenantID
	if r.TenantParam != "" && params[r.TenantParam] != "" {
		tenant = params[r.TenantParam]
	}
	attrs := make(map[string]any, len(params))
	for k, v := range params {
		attrs[k] = v
	}
	return &abac.EvaluationContext{
		Subject: sub,
		Resource: abac.Resource{
			Type:       r.ResourceType,
			ID:         params[idParam],
			TenantID:   tenant,
			Attributes: attrs,
		},
		Action: action,
		Environment: abac.Environment{
			Timestamp: now,
			IP:        net.ParseIP(remoteIP),
			Attributes: map[string]any{
				"method": method,
				"path":   path,
			},
		},
	}
}

type resultKey struct{}

// ContextWithResult attaches an evaluation result to ctx.
func ContextWithResult(ctx context.Context, res *abac.EvaluationResult) context.Context {
	return context.WithValue(ctx, resultKey{}, res)
}

// ResultFromContext returns the result stored by the middleware, if any.
func ResultFromContext(ctx context.Context) (*abac.EvaluationResult, bool) {
	res, ok := ctx.Value(resultKey{}).(*abac.EvaluationResult)
	return res, ok
}
