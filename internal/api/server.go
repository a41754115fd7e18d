// Package api exposes the HTTP surface: price queries, registry
// administration, monitoring confirmation, metrics and a websocket feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pricehub/internal/manager"
	"pricehub/internal/models"
	"pricehub/internal/monitoring"
	"pricehub/internal/registry"
)

// BuildCommit is set by main to the git commit hash baked in at build time.
var BuildCommit = "dev"

const maxSignalIDsPerQuery = 300

type Server struct {
	manager   *manager.Manager
	collector *monitoring.Collector
	auth      *AuthMiddleware
	hub       *Hub
	http      *http.Server
}

func NewServer(port int, mgr *manager.Manager, collector *monitoring.Collector, adminJWTSecret string) *Server {
	s := &Server{
		manager:   mgr,
		collector: collector,
		auth:      NewAuthMiddleware(adminJWTSecret),
		hub:       newHub(),
	}

	r := mux.NewRouter()
	r.Use(rateLimitMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/info", s.handleInfo).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/prices", s.handlePrices).Methods("GET", "OPTIONS")
	r.HandleFunc("/ws/prices", s.handlePricesWebSocket).Methods("GET", "OPTIONS")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	admin := r.PathPrefix("/api/v1").Subrouter()
	admin.Use(s.auth.Middleware)
	admin.HandleFunc("/registry", s.handleSetRegistry).Methods("POST", "OPTIONS")
	admin.HandleFunc("/signals", s.handleSetActiveSignals).Methods("POST", "OPTIONS")
	admin.HandleFunc("/monitoring/push", s.handleMonitoringPush).Methods("POST", "OPTIONS")

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then drains with a bounded shutdown.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			log.Printf("[API] shutdown: %v", err)
		}
	}()
	log.Printf("[API] listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	hash, err := s.manager.RegistryIPFSHash(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	active, err := s.manager.ActiveSignalIDs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"build_commit":        BuildCommit,
		"registry_ipfs_hash":  hash,
		"registry_signal_ids": s.manager.Registry().SignalIDs(),
		"active_signal_ids":   active,
		"monitoring_enabled":  s.collector != nil,
		"configured_workers":  s.manager.WorkerNames(),
	})
}

type priceEntry struct {
	SignalID string `json:"signal_id"`
	Price    string `json:"price"`
	Status   string `json:"status"`
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("signal_ids")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "signal_ids is required")
		return
	}
	ids := strings.Split(raw, ",")
	for i := range ids {
		ids[i] = strings.TrimSpace(ids[i])
	}
	if len(ids) > maxSignalIDsPerQuery {
		writeError(w, http.StatusBadRequest, "too many signal ids")
		return
	}

	prices, err := s.manager.GetPrices(r.Context(), ids, models.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entries := make([]priceEntry, len(prices))
	for i, p := range prices {
		entries[i] = priceEntry{
			SignalID: p.SignalID,
			Price:    fmt.Sprintf("%d", p.Price),
			Status:   p.Status.String(),
		}
	}
	s.hub.broadcastPrices(entries)
	writeJSON(w, http.StatusOK, map[string]interface{}{"prices": entries})
}

type setRegistryRequest struct {
	IPFSHash string `json:"ipfs_hash"`
	Version  string `json:"version"`
}

func (s *Server) handleSetRegistry(w http.ResponseWriter, r *http.Request) {
	var req setRegistryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.IPFSHash == "" || req.Version == "" {
		writeError(w, http.StatusBadRequest, "ipfs_hash and version are required")
		return
	}

	err := s.manager.SetRegistryFromIPFS(r.Context(), req.IPFSHash, req.Version)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "registry updated"})
	case errors.Is(err, manager.ErrUnsupportedVersion):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, manager.ErrFailedToRetrieve):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, registry.ErrParse), registry.IsValidationError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type setSignalsRequest struct {
	SignalIDs []string `json:"signal_ids"`
}

func (s *Server) handleSetActiveSignals(w http.ResponseWriter, r *http.Request) {
	var req setSignalsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.manager.SetActiveSignalIDs(r.Context(), req.SignalIDs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active signals updated"})
}

type monitoringPushRequest struct {
	UUID   string `json:"uuid"`
	TxHash string `json:"tx_hash"`
}

func (s *Server) handleMonitoringPush(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		writeError(w, http.StatusServiceUnavailable, "monitoring is not enabled")
		return
	}
	var req monitoringPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	id, err := uuid.Parse(req.UUID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid uuid")
		return
	}
	if !isTxHash(req.TxHash) {
		writeError(w, http.StatusBadRequest, "invalid tx hash")
		return
	}
	if err := s.collector.Confirm(id, req.TxHash); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}

// isTxHash accepts a 32-byte hex hash with optional 0x prefix.
func isTxHash(s string) bool {
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	raw, err := hexutil.Decode(s)
	if err != nil {
		return false
	}
	return len(raw) == common.HashLength
}
