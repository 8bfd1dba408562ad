package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTokenStoreParsesAndLooksUp(t *testing.T) {
	ts := NewTokenStore("expense-web:st-abc, hr-portal:st-def")

	if svc, ok := ts.Lookup("st-abc"); !ok || svc != "expense-web" {
		t.Fatalf("st-abc: got %q ok=%v", svc, ok)
	}
	if svc, ok := ts.Lookup("st-def"); !ok || svc != "hr-portal" {
		t.Fatalf("st-def: got %q ok=%v", svc, ok)
	}
	if _, ok := ts.Lookup("wrong"); ok {
		t.Fatal("unknown token must not resolve")
	}
}

func TestServiceAuthLiftsPrincipal(t *testing.T) {
	var seen Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = PrincipalFromContext(r.Context())
	})
	h := ServiceAuth(NewTokenStore("web:tok"))(next)

	req := httptest.NewRequest(http.MethodGet, "/v1/approvals/pending", nil)
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set("X-Principal-Id", "maria")
	req.Header.Set("X-Principal-Role", "manager")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if seen.ID != "maria" || seen.Role != "manager" {
		t.Fatalf("principal = %+v", seen)
	}
}

func TestServiceAuthRejections(t *testing.T) {
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	h := ServiceAuth(NewTokenStore("web:tok"))(next)

	cases := []struct {
		name  string
		setup func(*http.Request)
	}{
		{"missing token", func(*http.Request) {}},
		{"invalid token", func(r *http.Request) {
			r.Header.Set("X-Service-Token", "bad")
			r.Header.Set("X-Principal-Id", "maria")
		}},
		{"missing principal", func(r *http.Request) {
			r.Header.Set("X-Service-Token", "tok")
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/approvals/pending", nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d", rec.Code)
			}
		})
	}
}

func TestServiceAuthSkipsHealthEndpoints(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := ServiceAuth(NewTokenStore("web:tok"))(next)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", path, rec.Code)
		}
	}
}
