package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/clipforge/clipforge/pkg/models"
)

// SubmitRunRequest is the run config plus an optional source registration
// for subjects not seen before.
type SubmitRunRequest struct {
	models.PipelineConfig
	SourceURL string `json:"source_url"`
	Title     string `json:"title"`
}

// SubmitRunResponse is returned for an accepted submission.
type SubmitRunResponse struct {
	RunID     string `json:"run_id"`
	SubjectID string `json:"subject_id"`
	Status    string `json:"status"`
}

// submitRun handles POST /api/v1/subjects/:subject/pipeline.
// Accepts the run config, enqueues the run, and returns immediately.
func (s *Server) submitRun(c *gin.Context) {
	subjectID := c.Param("subject")

	var req SubmitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	runID, err := s.service.Submit(c.Request.Context(), subjectID, req.PipelineConfig,
		SourceRegistration{URL: req.SourceURL, Title: req.Title})
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, SubmitRunResponse{
		RunID:     runID,
		SubjectID: subjectID,
		Status:    string(models.RunQueued),
	})
}

// runStatus handles GET /api/v1/subjects/:subject/pipeline/status.
// Serves the active run, falling back to the latest archived one.
func (s *Server) runStatus(c *gin.Context) {
	snap, err := s.service.Status(c.Request.Context(), c.Param("subject"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// cancelRun handles POST /api/v1/subjects/:subject/pipeline/cancel.
func (s *Server) cancelRun(c *gin.Context) {
	subjectID := c.Param("subject")
	if err := s.service.Cancel(c.Request.Context(), subjectID); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"subject_id": subjectID,
		"status":     "cancellation requested",
	})
}

// runHistory handles GET /api/v1/subjects/:subject/pipeline/history?limit=N.
func (s *Server) runHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))

	runs, err := s.service.History(c.Request.Context(), c.Param("subject"), clampHistoryLimit(limit))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}
