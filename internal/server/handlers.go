package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sentrapay/fraud-engine/internal/engine"
	"github.com/sentrapay/fraud-engine/internal/event"
	"github.com/sentrapay/fraud-engine/internal/evidence"
	"github.com/sentrapay/fraud-engine/internal/logging"
	"github.com/sentrapay/fraud-engine/internal/validation"
)

// decideHandler handles POST /decide
//
// The only client errors are malformed JSON and an invalid event. Backend
// faults never surface as 5xx here; the orchestrator folds them into a
// degraded decision instead.
func (s *Server) decideHandler(c *gin.Context) {
	var ev event.TransactionEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed event payload"})
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if errs := ev.Validate(); len(errs) > 0 {
		details := make([]gin.H, 0, len(errs))
		for _, e := range errs {
			details = append(details, gin.H{"field": e.Field, "message": e.Message})
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_event",
			"message": errs.Error(),
			"details": details,
		})
		return
	}

	d, err := s.orchestrator.Decide(c.Request.Context(), &ev)
	if err != nil {
		if errors.Is(err, engine.ErrNoPolicy) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no_policy", "message": "no active policy version"})
			return
		}
		logging.L(c.Request.Context()).Error("decision failed", "transaction", ev.TransactionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "decision failed"})
		return
	}

	c.JSON(http.StatusOK, d)
}

// decisionLookupHandler handles GET /decisions/:txId
func (s *Server) decisionLookupHandler(c *gin.Context) {
	txID := c.Param("txId")
	if !validation.IsValidToken(txID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid transaction id"})
		return
	}

	recs, err := s.evidenceStore.ListByTransaction(c.Request.Context(), txID)
	if err != nil {
		if errors.Is(err, evidence.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no decisions recorded for this transaction"})
			return
		}
		logging.L(c.Request.Context()).Error("evidence lookup failed", "transaction", txID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load decisions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction_id": txID, "decisions": recs, "count": len(recs)})
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	PolicyVersion string            `json:"policy_version,omitempty"`
	Checks        map[string]string `json:"checks,omitempty"`
	Dependencies  map[string]string `json:"dependencies,omitempty"`
	Timestamp     string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy, results := s.checks.CheckAll(ctx)
	for _, r := range results {
		if r.Healthy {
			checks[r.Name] = "healthy"
		} else {
			checks[r.Name] = "unhealthy"
		}
	}

	// Passive dependency health observed from the decision path.
	deps := make(map[string]string)
	for dep, st := range s.monitor.Snapshot() {
		if st.Healthy {
			deps[dep] = "healthy"
		} else {
			deps[dep] = "unhealthy"
			allHealthy = false
		}
	}

	// Degraded is still 200: /decide keeps answering with reduced inputs, so
	// load balancers must not pull a node just because Redis is away.
	status := "healthy"
	if !allHealthy {
		status = "degraded"
	}

	resp := HealthResponse{
		Status:       status,
		Version:      "0.1.0",
		Checks:       checks,
		Dependencies: deps,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	if v := s.policyEngine.Active(); v != nil {
		resp.PolicyVersion = v.ID
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
