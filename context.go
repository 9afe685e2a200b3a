package abac

import (
	"net"
	"strings"
	"time"
)

// Subject represents who is requesting access
type Subject struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id,omitempty"`
	Type        string         `json:"type,omitempty"` // user, service, automation
	Roles       []string       `json:"roles,omitempty"`
	Permissions []string       `json:"permissions,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// Resource represents what is being accessed
type Resource struct {
	Type       string         `json:"type"`
	ID         string         `json:"id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Environment represents the context of the request
type Environment struct {
	Timestamp  time.Time      `json:"timestamp"`
	IP         net.IP         `json:"ip,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// EvaluationContext is built by the caller for a single evaluation and must
// not be modified while an evaluation is running.
type EvaluationContext struct {
	Subject     Subject     `json:"subject"`
	Resource    Resource    `json:"resource"`
	Action      string      `json:"action"`
	Environment Environment `json:"environment"`
}

// Resolve looks up an attribute path such as "subject.roles" or
// "environment.amount". The second return value is false when the path does
// not resolve to a non-nil value.
func (c *EvaluationContext) Resolve(path string) (any, bool) {
	if c == nil || path == "" {
		return nil, false
	}
	root, rest, _ := strings.Cut(path, ".")
	var v any
	switch root {
	case "action":
		if rest != "" {
			return nil, false
		}
		v = c.Action
	case "subject":
		v = c.subjectField(rest)
	case "resource":
		v = c.resourceField(rest)
	case "environment", "env":
		v = c.environmentField(rest)
	default:
		return nil, false
	}
	return present(v)
}

func (c *EvaluationContext) subjectField(field string) any {
	s := &c.Subject
	switch field {
	case "id":
		return s.ID
	case "tenantId", "tenant_id":
		return s.TenantID
	case "type":
		return s.Type
	case "roles":
		return s.Roles
	case "permissions":
		return s.Permissions
	}
	return lookupAttr(s.Attributes, field)
}

func (c *EvaluationContext) resourceField(field string) any {
	r := &c.Resource
	switch field {
	case "type":
		return r.Type
	case "id":
		return r.ID
	case "tenantId", "tenant_id":
		return r.TenantID
	}
	return lookupAttr(r.Attributes, field)
}

func (c *EvaluationContext) environmentField(field string) any {
	e := &c.Environment
	switch field {
	case "timestamp", "time":
		if e.Timestamp.IsZero() {
			return nil
		}
		return e.Timestamp
	case "ip":
		if e.IP == nil {
			return nil
		}
		return e.IP.String()
	}
	return lookupAttr(e.Attributes, field)
}

// lookupAttr walks nested attribute maps; an optional "attributes." prefix is
// accepted so that both subject.amount and subject.attributes.amount work.
func lookupAttr(attrs map[string]any, path string) any {
	if attrs == nil || path == "" {
		return nil
	}
	if v, ok := attrs[path]; ok {
		return v
	}
	if rest, ok := strings.CutPrefix(path, "attributes."); ok {
		return lookupAttr(attrs, rest)
	}
	head, rest, found := strings.Cut(path, ".")
	if !found {
		return nil
	}
	switch next := attrs[head].(type) {
	case map[string]any:
		return lookupAttr(next, rest)
	case map[string]string:
		if v, ok := next[rest]; ok {
			return v
		}
	}
	return nil
}

func present(v any) (any, bool) {
	switch vv := v.(type) {
	case nil:
		return nil, false
	case string:
		return vv, vv != ""
	case []string:
		return vv, vv != nil
	}
	return v, true
}
