// memoryd is a thin HTTP illustration of the retrieval engine. It is not
// part of the specified contract — the engine package is the real surface
// — but gives the daemon a runnable shape, following the reference
// codebase's memory-service/cmd/memory-service/main.go layout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arborist-labs/mnemo/internal/config"
	"github.com/arborist-labs/mnemo/internal/embedding"
	"github.com/arborist-labs/mnemo/internal/engine"
	"github.com/arborist-labs/mnemo/internal/episode"
	"github.com/arborist-labs/mnemo/internal/storage"
)

func main() {
	yamlPath := flag.String("config", "", "optional YAML config overlay path")
	flag.Parse()

	cfg, err := config.Load(*yamlPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("failed to create data directory: %v", err)
	}

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	defer store.Close()

	embedder := embedding.NewOllamaClient(cfg.OllamaURL, cfg.EmbedModel, cfg.EmbedDims)

	eng := engine.NewDefault(store, embedder)
	defer eng.Close()

	stopMaintenance := eng.StartMaintenance(context.Background(), 0, 0)
	defer stopMaintenance()

	svc := &service{engine: eng}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /store", svc.handleStore)
	mux.HandleFunc("POST /retrieve", svc.handleRetrieve)
	mux.HandleFunc("POST /retrieve/temporal", svc.handleRetrieveTemporal)
	mux.HandleFunc("GET /context", svc.handleContext)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	log.Printf("memoryd listening on :%s (data: %s)", cfg.Port, cfg.DataDir)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

type service struct {
	engine *engine.Engine
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type storeRequest struct {
	Content         string   `json:"content"`
	Kind            string   `json:"type"`
	Gist            string   `json:"gist"`
	EmotionalWeight float64  `json:"emotional_weight"`
	ProjectID       string   `json:"project_id"`
	Tags            []string `json:"tags"`
}

func (s *service) handleStore(w http.ResponseWriter, r *http.Request) {
	var req storeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	m, err := s.engine.Store(r.Context(), req.Content, engine.StoreOptions{
		Kind:            storage.Kind(req.Kind),
		Gist:            req.Gist,
		EmotionalWeight: req.EmotionalWeight,
		ProjectID:       req.ProjectID,
		Tags:            req.Tags,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type retrieveRequest struct {
	Query          string  `json:"query"`
	ProjectID      string  `json:"project_id"`
	MaxResults     int     `json:"max_results"`
	MinProbability float64 `json:"min_probability"`
	FilterType     string  `json:"filter_type"`
}

func (s *service) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	results, err := s.engine.Retrieve(r.Context(), req.Query, engine.RetrieveOptions{
		MaxResults:     req.MaxResults,
		MinProbability: req.MinProbability,
		FilterType:     storage.Kind(req.FilterType),
	}, req.ProjectID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type retrieveTemporalRequest struct {
	Anchor    string `json:"anchor"`
	Direction string `json:"direction"`
	Limit     int    `json:"limit"`
}

func (s *service) handleRetrieveTemporal(w http.ResponseWriter, r *http.Request) {
	var req retrieveTemporalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	var dir episode.Direction
	switch req.Direction {
	case "after":
		dir = episode.DirectionAfter
	case "both":
		dir = episode.DirectionBoth
	default:
		dir = episode.DirectionBefore
	}

	results, err := s.engine.RetrieveTemporalNeighbours(r.Context(), req.Anchor, dir, req.Limit)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *service) handleContext(w http.ResponseWriter, r *http.Request) {
	task := r.URL.Query().Get("task")
	projectID := r.URL.Query().Get("project_id")

	result, err := s.engine.GetContext(r.Context(), task, projectID, engine.ContextOptions{})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}
