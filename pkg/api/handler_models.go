package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clipforge/clipforge/pkg/registry"
)

// listModels handles GET /api/v1/models.
func (s *Server) listModels(c *gin.Context) {
	descriptors, err := s.models.List(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": descriptors, "count": len(descriptors)})
}

// getModel handles GET /api/v1/models/:key.
func (s *Server) getModel(c *gin.Context) {
	d, err := s.models.Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		if errors.Is(err, registry.ErrModelNotRegistered) {
			c.JSON(http.StatusNotFound, errorResponse{Error: "model not registered"})
			return
		}
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// putModel handles PUT /api/v1/models/:key. The body is a full descriptor;
// the key in the path wins over any key in the body.
func (s *Server) putModel(c *gin.Context) {
	var d registry.Descriptor
	if err := c.ShouldBindJSON(&d); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid descriptor body: " + err.Error()})
		return
	}
	d.Key = c.Param("key")

	if d.LocalPort <= 0 || d.RemotePort <= 0 {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "local_port and remote_port must be positive"})
		return
	}
	if d.SSHHost == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "ssh_host must not be empty"})
		return
	}

	if err := s.models.Put(c.Request.Context(), d); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// deleteModel handles DELETE /api/v1/models/:key.
func (s *Server) deleteModel(c *gin.Context) {
	existed, err := s.models.Delete(c.Request.Context(), c.Param("key"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if !existed {
		c.JSON(http.StatusNotFound, errorResponse{Error: "model not registered"})
		return
	}
	c.Status(http.StatusNoContent)
}
