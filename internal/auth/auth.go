// Package auth guards the HTTP API with a static bearer token, HTTP basic
// credentials checked against a bcrypt hash, or both.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// AuthMethod names how a request was authenticated.
type AuthMethod string

const (
	AuthMethodBasic AuthMethod = "basic"
	AuthMethodToken AuthMethod = "token"
)

// ResultKey is the gin context key holding the AuthMethod of a request.
const ResultKey = "auth_method"

var ErrInvalidCredentials = errors.New("invalid credentials")

type Options struct {
	// TokenFile holds the bearer token; surrounding whitespace is ignored.
	TokenFile    string
	Username     string
	PasswordHash string // bcrypt
}

// Authenticator with no configured method lets every request through.
type Authenticator struct {
	token    []byte
	username string
	hash     []byte
}

func New(o Options) (*Authenticator, error) {
	a := &Authenticator{username: o.Username}
	if o.TokenFile != "" {
		b, err := os.ReadFile(o.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("read api token: %w", err)
		}
		tok := strings.TrimSpace(string(b))
		if tok == "" {
			return nil, fmt.Errorf("api token file %s is empty", o.TokenFile)
		}
		a.token = []byte(tok)
	}
	if (o.Username == "") != (o.PasswordHash == "") {
		return nil, errors.New("basic auth needs both username and password_hash")
	}
	if o.PasswordHash != "" {
		if _, err := bcrypt.Cost([]byte(o.PasswordHash)); err != nil {
			return nil, fmt.Errorf("password_hash: %w", err)
		}
		a.hash = []byte(o.PasswordHash)
	}
	return a, nil
}

// Enabled reports whether any method is configured.
func (a *Authenticator) Enabled() bool {
	return a != nil && (len(a.token) > 0 || len(a.hash) > 0)
}

// Authenticate checks the bearer token first, then basic credentials.
func (a *Authenticator) Authenticate(r *http.Request) (AuthMethod, error) {
	if h := r.Header.Get("Authorization"); len(a.token) > 0 && h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(tok)), a.token) == 1 {
				return AuthMethodToken, nil
			}
			return "", ErrInvalidCredentials
		}
	}
	if len(a.hash) > 0 {
		if user, pass, ok := r.BasicAuth(); ok {
			userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) == 1
			// always run bcrypt so a wrong username costs the same
			passErr := bcrypt.CompareHashAndPassword(a.hash, []byte(pass))
			if userOK && passErr == nil {
				return AuthMethodBasic, nil
			}
		}
	}
	return "", ErrInvalidCredentials
}

// GinAuth returns a Gin middleware function for authentication
func (a *Authenticator) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Next()
			return
		}
		method, err := a.Authenticate(c.Request)
		if err != nil {
			if len(a.hash) > 0 {
				c.Header("WWW-Authenticate", `Basic realm="routerctl"`)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Authentication required",
			})
			return
		}
		c.Set(ResultKey, method)
		c.Next()
	}
}

// HashPassword returns a bcrypt hash suitable for password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
