package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/routerctl/internal/credential"
	"github.com/loykin/routerctl/internal/process"
	"github.com/loykin/routerctl/internal/profile"
	"github.com/loykin/routerctl/internal/runrecord"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

func writeError(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}

func statusFor(err error) int {
	var ce *credential.Error
	switch {
	case errors.Is(err, process.ErrUnknownService), errors.Is(err, profile.ErrUnknownProfile):
		return http.StatusNotFound
	case errors.Is(err, runrecord.ErrBadName):
		return http.StatusBadRequest
	case errors.Is(err, process.ErrStopFailed):
		return http.StatusConflict
	case errors.As(err, &ce):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// serviceName validates the :name parameter; it answers 400 itself.
func serviceName(c *gin.Context) (string, bool) {
	name := c.Param("name")
	if !runrecord.ValidName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name: allowed [A-Za-z0-9._-] and no '..'"})
		return "", false
	}
	return name, true
}

// queryBool reads an optional boolean query parameter; it answers 400 itself.
func queryBool(c *gin.Context, key string, def bool) (bool, bool) {
	v := c.Query(key)
	if v == "" {
		return def, true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid " + key + ": " + v})
		return false, false
	}
	return b, true
}

// queryPositive reads an optional integer > 0; it answers 400 itself.
func queryPositive(c *gin.Context, key string, def int) (int, bool) {
	v := c.Query(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid " + key + ": " + v})
		return 0, false
	}
	return n, true
}
