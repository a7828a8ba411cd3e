package auth

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func tokenFile(t *testing.T, tok string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(p, []byte(tok), 0o600))
	return p
}

func hash(t *testing.T, pw string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func router(a *Authenticator) http.Handler {
	gin.SetMode(gin.TestMode)
	g := gin.New()
	g.Use(a.GinAuth())
	g.GET("/x", func(c *gin.Context) {
		m, _ := c.Get(ResultKey)
		c.String(http.StatusOK, "%v", m)
	})
	return g
}

func get(h http.Handler, setup func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if setup != nil {
		setup(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestDisabledLetsEverythingThrough(t *testing.T) {
	a, err := New(Options{})
	require.NoError(t, err)
	assert.False(t, a.Enabled())
	assert.Equal(t, http.StatusOK, get(router(a), nil).Code)
}

func TestBearerToken(t *testing.T) {
	a, err := New(Options{TokenFile: tokenFile(t, "s3cret\n")})
	require.NoError(t, err)
	h := router(a)

	rec := get(h, func(r *http.Request) { r.Header.Set("Authorization", "Bearer s3cret") })
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "token", rec.Body.String())

	rec = get(h, func(r *http.Request) { r.Header.Set("Authorization", "bearer wrong") })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Header().Get("WWW-Authenticate"))

	assert.Equal(t, http.StatusUnauthorized, get(h, nil).Code)
}

func TestBasicAuth(t *testing.T) {
	a, err := New(Options{Username: "ops", PasswordHash: hash(t, "pw")})
	require.NoError(t, err)
	h := router(a)

	rec := get(h, func(r *http.Request) { r.SetBasicAuth("ops", "pw") })
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "basic", rec.Body.String())

	rec = get(h, func(r *http.Request) { r.SetBasicAuth("ops", "nope") })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	rec = get(h, func(r *http.Request) { r.SetBasicAuth("root", "pw") })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBothMethods(t *testing.T) {
	a, err := New(Options{TokenFile: tokenFile(t, "tok"), Username: "ops", PasswordHash: hash(t, "pw")})
	require.NoError(t, err)
	h := router(a)
	assert.Equal(t, http.StatusOK, get(h, func(r *http.Request) { r.Header.Set("Authorization", "Bearer tok") }).Code)
	assert.Equal(t, http.StatusOK, get(h, func(r *http.Request) { r.SetBasicAuth("ops", "pw") }).Code)
}

func TestNewErrors(t *testing.T) {
	_, err := New(Options{TokenFile: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
	_, err = New(Options{TokenFile: tokenFile(t, "  \n")})
	assert.Error(t, err)
	_, err = New(Options{Username: "ops"})
	assert.Error(t, err)
	_, err = New(Options{Username: "ops", PasswordHash: "plain"})
	assert.Error(t, err)
}

func TestHashPassword(t *testing.T) {
	h, err := HashPassword("pw")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(h), []byte("pw")))
	_, err = HashPassword("")
	assert.Error(t, err)
}
