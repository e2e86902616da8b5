package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// serveArtifact handles GET /artifacts/*key?expires=...&sig=...
// Signed-URL reads of stored objects; the signature covers key and expiry.
func (s *Server) serveArtifact(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")

	expires, err := strconv.ParseInt(c.Query("expires"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "missing or invalid expires parameter"})
		return
	}
	if !s.artifacts.Verify(key, expires, c.Query("sig")) {
		c.JSON(http.StatusForbidden, errorResponse{Error: "invalid or expired signature"})
		return
	}

	path, err := s.artifacts.LocalPath(key)
	if err != nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: "object not found"})
		return
	}
	c.File(path)
}
