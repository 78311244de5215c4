package apihttp

import (
	"encoding/json"
	"net/http"

	"github.com/oceangrid/dirsync/internal/models"
	"github.com/oceangrid/dirsync/internal/rules"
	"github.com/oceangrid/dirsync/internal/strategy"
)

type taskResponse struct {
	TaskID models.TaskID     `json:"task_id"`
	Scope  models.SyncScope  `json:"scope"`
	Status models.TaskStatus `json:"status"`
}

func (s *Server) handleSyncFull(w http.ResponseWriter, r *http.Request) {
	s.met.Increment("api.sync.full")
	task, err := s.scheduler.Submit(r.Context(), models.SyncScope{Kind: models.ScopeFull})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, taskResponse{TaskID: task.ID, Scope: task.Scope, Status: task.Status})
}

func (s *Server) handleSyncNode(w http.ResponseWriter, r *http.Request) {
	s.met.Increment("api.sync.node")
	nodeID := models.NodeID(r.PathValue("id"))
	task, err := s.scheduler.Submit(r.Context(), models.SyncScope{
		Kind:   models.ScopeNode,
		NodeID: nodeID,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, taskResponse{TaskID: task.ID, Scope: task.Scope, Status: task.Status})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.scheduler.Status(models.TaskID(r.PathValue("id")))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleLatestTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.scheduler.Status("")
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.scheduler.Stats(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := s.scheduler.CleanupExpired(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

type invalidateRequest struct {
	NodeID      *models.NodeID      `json:"node_id,omitempty"`
	ProductType *models.ProductType `json:"product_type,omitempty"`
}

// handleInvalidate evicts the requested scope and then runs MANUAL-trigger
// rules against it, so EVICT_AND_REFRESH rules also repopulate.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	s.met.Increment("api.cache.invalidate")
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	evicted, err := s.cache.EvictWhere(r.Context(), req.NodeID, req.ProductType)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	event := rules.Event{Trigger: models.TriggerManual}
	if req.NodeID != nil {
		event.NodeID = *req.NodeID
	}
	if req.ProductType != nil {
		event.ProductType = *req.ProductType
	}
	if err := s.rules.Evaluate(r.Context(), event); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"evicted":      evicted,
		"node_id":      req.NodeID,
		"product_type": req.ProductType,
	})
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id := models.RuleID(r.PathValue("id"))
	var update rules.RuleUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.rules.UpdateRule(id, update); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": string(id), "status": "updated"})
}

func (s *Server) handleUpdateStrategy(w http.ResponseWriter, r *http.Request) {
	id := models.StrategyID(r.PathValue("id"))
	var update strategy.StrategyUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.strategies.UpdateStrategy(id, update); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": string(id), "status": "updated"})
}
