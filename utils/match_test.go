package utils

import "testing"

func TestMatchRoute(t *testing.T) {
	tests := []struct {
		value, pattern string
		ok             bool
		params         map[string]string
	}{
		{"GET /invoices/42", "GET /invoices/:id", true, map[string]string{"id": "42"}},
		{"get /invoices/42", "GET /invoices/:id", true, map[string]string{"id": "42"}},
		{"POST /invoices/42", "GET /invoices/:id", false, nil},
		{"POST /invoices/42", "* /invoices/:id", true, map[string]string{"id": "42"}},
		{"/invoices/42", "GET /invoices/:id", false, nil},
		{"GET /invoices/42/lines", "GET /invoices/:id", false, nil},
		{"GET /invoices", "GET /invoices/:id", false, nil},
		{"GET /admin/users/7", "GET /admin/*", true, nil},
		{"GET /admin", "GET /admin/*", true, nil},
		{"GET /a/x/c", "GET /a/*/c", true, nil},
		{"GET /a/x/d", "GET /a/*/c", false, nil},
		{"GET /t/acme/invoices/9/", "GET /t/:tenant/invoices/:id", true, map[string]string{"tenant": "acme", "id": "9"}},
		{"/health", "/health", true, nil},
	}
	for _, tc := range tests {
		params, ok := MatchRoute(tc.value, tc.pattern)
		if ok != tc.ok {
			t.Fatalf("MatchRoute(%q, %q) = %v, want %v", tc.value, tc.pattern, ok, tc.ok)
		}
		if len(params) != len(tc.params) {
			t.Fatalf("MatchRoute(%q, %q) params = %v, want %v", tc.value, tc.pattern, params, tc.params)
		}
		for k, v := range tc.params {
			if params[k] != v {
				t.Fatalf("MatchRoute(%q, %q) param %s = %q, want %q", tc.value, tc.pattern, k, params[k], v)
			}
		}
	}
}
