package server

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// sanitizeBase turns a mount prefix into "" or "/a/b".
func sanitizeBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Cache-Control", "no-store")
	c.JSON(code, v)
}
