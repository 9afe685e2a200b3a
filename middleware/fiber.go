package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/oarkflow/abac"
	"github.com/oarkflow/abac/logger"
)

// LocalsKey is the fiber.Ctx locals key holding the evaluation result.
const LocalsKey = "abac_result"

// FiberOptions configures the Fiber middleware.
type FiberOptions struct {
	Engine Evaluator
	Routes []Route
	// Subject extracts the caller; defaults to SubjectFromHeaders.
	Subject        func(c *fiber.Ctx) (abac.Subject, error)
	AllowUnmatched bool
	OnDenied       func(c *fiber.Ctx, res *abac.EvaluationResult) error
	OnError        func(c *fiber.Ctx, err error) error
	Logger         logger.Logger
	Clock          func() time.Time
}

func (o *FiberOptions) withDefaults() *FiberOptions {
	cp := *o
	if cp.Subject == nil {
		cp.Subject = func(c *fiber.Ctx) (abac.Subject, error) {
			return SubjectFromHeaders(func(k string) string { return c.Get(k) }), nil
		}
	}
	if cp.OnDenied == nil {
		cp.OnDenied = func(c *fiber.Ctx, res *abac.EvaluationResult) error {
			return c.Status(http.StatusForbidden).SendString("forbidden")
		}
	}
	if cp.OnError == nil {
		cp.OnError = func(c *fiber.Ctx, err error) error {
			return c.Status(http.StatusInternalServerError).SendString("internal error")
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

// NewFiberMiddleware returns a Fiber handler that evaluates every request
// against the route table and only continues the chain on ALLOW.
func NewFiberMiddleware(opts FiberOptions) fiber.Handler {
	o := opts.withDefaults()
	routes := routeTable(o.Routes)
	return func(c *fiber.Ctx) error {
		if o.Engine == nil {
			return o.OnError(c, fmt.Errorf("abac middleware: engine is required"))
		}
		path := c.Path()
		route, params, ok := routes.lookup(c.Method(), path)
		if !ok {
			if o.AllowUnmatched {
				return c.Next()
			}
			return o.OnDenied(c, nil)
		}
		sub, err := o.Subject(c)
		if err != nil {
			return o.OnError(c, err)
		}
		ec := buildContext(route, params, c.Method(), path, c.IP(), sub, o.Clock())
		res, err := o.Engine.Evaluate(c.UserContext(), ec)
		if err != nil {
			o.Logger.Error("abac middleware evaluation failed", "path", path, "error", err)
			return o.OnError(c, err)
		}
		c.Locals(LocalsKey, res)
		if !res.Allowed() {
			o.Logger.Debug("request denied", "path", path, "subject", sub.ID, "reason", res.Reason)
			return o.OnDenied(c, res)
		}
		return c.Next()
	}
}
