package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/loykin/routerctl/internal/credential"
	"github.com/loykin/routerctl/internal/process"
	"github.com/loykin/routerctl/internal/profile"
	"github.com/loykin/routerctl/internal/runrecord"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api/", "/api"},
		{" /v1/router/ ", "/v1/router"},
	}
	for _, c := range cases {
		if got := sanitizeBase(c.in); got != c.want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", process.ErrUnknownService), http.StatusNotFound},
		{fmt.Errorf("x: %w", profile.ErrUnknownProfile), http.StatusNotFound},
		{fmt.Errorf("x: %w", runrecord.ErrBadName), http.StatusBadRequest},
		{fmt.Errorf("x: %w", process.ErrStopFailed), http.StatusConflict},
		{fmt.Errorf("compose: %w", &credential.Error{Ref: "openai", Err: credential.ErrUnknownReference}), http.StatusUnprocessableEntity},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Fatalf("statusFor(%v)=%d want %d", c.err, got, c.want)
		}
	}
}

func TestQueryHelpers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/b", func(c *gin.Context) {
		v, ok := queryBool(c, "restart", true)
		if ok {
			writeJSON(c, http.StatusOK, v)
		}
	})
	r.GET("/n", func(c *gin.Context) {
		v, ok := queryPositive(c, "limit", 7)
		if ok {
			writeJSON(c, http.StatusOK, v)
		}
	})
	cases := []struct {
		url  string
		code int
		body string
	}{
		{"/b", 200, "true\n"},
		{"/b?restart=false", 200, "false\n"},
		{"/b?restart=maybe", 400, ""},
		{"/n", 200, "7\n"},
		{"/n?limit=3", 200, "3\n"},
		{"/n?limit=0", 400, ""},
		{"/n?limit=x", 400, ""},
	}
	for _, c := range cases {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, c.url, nil))
		if rec.Code != c.code {
			t.Fatalf("%s: status=%d want %d", c.url, rec.Code, c.code)
		}
		if c.body != "" && rec.Body.String() != c.body {
			t.Fatalf("%s: body=%q want %q", c.url, rec.Body.String(), c.body)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Fatalf("%s: content-type %s", c.url, ct)
		}
	}
}
