package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/weftworks/weft/internal/docstore"
	"github.com/weftworks/weft/internal/engine"
	"github.com/weftworks/weft/internal/events"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	AddError(r.Context(), err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	Uptime       string       `json:"uptime"`
	GoVersion    string       `json:"go_version"`
	NumGoroutine int          `json:"num_goroutine"`
	Memory       memoryStats  `json:"memory"`
	Engine       engine.Stats `json:"engine"`
}

type memoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"total_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	writeJSON(w, http.StatusOK, statsResponse{
		Uptime:       time.Since(s.startTime).String(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		Memory: memoryStats{
			Alloc:      m.Alloc,
			TotalAlloc: m.TotalAlloc,
			Sys:        m.Sys,
			NumGC:      m.NumGC,
		},
		Engine: s.engine.Stats(),
	})
}

func (s *Server) handleListConsumers(w http.ResponseWriter, r *http.Request) {
	configs, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if configs == nil {
		configs = []engine.ConsumerConfig{}
	}
	writeJSON(w, http.StatusOK, configs)
}

func (s *Server) handleRegisterConsumer(w http.ResponseWriter, r *http.Request) {
	var cfg engine.ConsumerConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("decode consumer config: %w", err))
		return
	}

	if err := s.registry.Register(r.Context(), cfg); err != nil {
		if engine.IsConfigError(err) {
			writeError(w, r, http.StatusBadRequest, err)
		} else {
			writeError(w, r, http.StatusInternalServerError, err)
		}
		return
	}

	AddLogField(r.Context(), "consumer_id", cfg.ConsumerID)
	writeJSON(w, http.StatusCreated, cfg)
}

func (s *Server) handleDeregisterConsumer(w http.ResponseWriter, r *http.Request) {
	consumerID := chi.URLParam(r, "consumerID")
	if err := s.registry.Deregister(r.Context(), consumerID); err != nil {
		if docstore.IsNotFound(err) {
			writeError(w, r, http.StatusNotFound, fmt.Errorf("consumer %q is not registered", consumerID))
		} else {
			writeError(w, r, http.StatusInternalServerError, err)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	consumerID := chi.URLParam(r, "consumerID")
	doc, err := s.engine.GetArtifact(r.Context(), consumerID)
	if err != nil {
		if docstore.IsNotFound(err) {
			writeError(w, r, http.StatusNotFound, fmt.Errorf("no artifact published for %q", consumerID))
		} else {
			writeError(w, r, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleInjectEvent(w http.ResponseWriter, r *http.Request) {
	var ev events.TriggerEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("decode trigger event: %w", err))
		return
	}
	if ev.DocumentID == "" || ev.SchemaName == "" {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("trigger event requires document_id and schema_name"))
		return
	}

	// Matching is synchronous; assembly runs continue on the engine's own
	// context after this request returns.
	s.engine.OnEvent(r.Context(), ev)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "document_id": ev.DocumentID})
}
