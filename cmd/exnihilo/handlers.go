package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/QoobSweet/ex-nihilo-sub000/chain"
	"github.com/QoobSweet/ex-nihilo-sub000/types"
)

// registerRoutes 注册全部管理端点
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// 健康检查端点
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)

	// 执行管理
	mux.HandleFunc("POST /api/v1/executions", s.handleEnqueue)
	mux.HandleFunc("GET /api/v1/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/v1/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /api/v1/executions/{id}/cancel", s.handleCancelExecution)

	// 链与熔断器状态
	mux.HandleFunc("GET /api/v1/chains", s.handleListChains)
	mux.HandleFunc("GET /api/v1/breakers", s.handleBreakerSnapshots)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

// handleEnqueue 接受执行请求并入队。
// 队列满或监督器已关闭时返回 503。
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req chain.ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ChainID == "" {
		writeError(w, http.StatusBadRequest, "chainId is required")
		return
	}

	executionID, err := s.engine.Enqueue(req)
	if err != nil {
		var typed *types.Error
		switch {
		case errors.As(err, &typed) && typed.Code == types.ErrChainNotFound:
			writeError(w, http.StatusNotFound, err.Error())
		case errors.As(err, &typed) && typed.Code == types.ErrValidation:
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusServiceUnavailable, err.Error())
		}
		return
	}

	s.logger.Info("execution enqueued",
		zap.String("execution_id", executionID),
		zap.String("chain_id", req.ChainID),
		zap.String("trigger_id", req.TriggerID))

	writeJSON(w, http.StatusAccepted, map[string]any{"executionId": executionID})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": s.engine.Supervisor().List(),
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, ok := s.engine.Supervisor().Result(id)
	if !ok {
		writeError(w, http.StatusNotFound, "execution not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Supervisor().Cancel(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": id})
}

func (s *Server) handleListChains(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"chains": s.engine.Registry().IDs(),
	})
}

func (s *Server) handleBreakerSnapshots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"breakers": s.engine.Supervisor().BreakerSnapshots(),
	})
}

// =============================================================================
// 🔧 响应辅助
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
