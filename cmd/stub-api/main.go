// Local SparkPost stand-in for development. Point SPARKPOST_BASE_URL at it
// and the real transport code path runs end to end without delivering mail.
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

type stub struct {
	accepted atomic.Int64

	mu   sync.Mutex
	last []map[string]interface{}
}

func (s *stub) handleTransmission(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"errors": []map[string]string{{"message": "missing API key"}},
		})
		return
	}

	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"errors": []map[string]string{{"message": "invalid JSON"}},
		})
		return
	}

	s.accepted.Add(1)
	s.mu.Lock()
	s.last = append(s.last, payload)
	if len(s.last) > 50 {
		s.last = s.last[len(s.last)-50:]
	}
	s.mu.Unlock()

	id := "stub-" + uuid.New().String()
	logger.Info("transmission accepted", "id", id)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"results": map[string]interface{}{"id": id, "total_accepted_recipients": 1},
	})
}

func (s *stub) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	json.NewEncoder(w).Encode(map[string]interface{}{
		"accepted": s.accepted.Load(),
		"recent":   last,
	})
}

func main() {
	addr := flag.String("addr", ":9800", "listen address")
	flag.Parse()

	s := &stub{}
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Post("/api/v1/transmissions", s.handleTransmission)
	r.Get("/stats", s.handleStats)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})

	logger.Info("sparkpost stub listening", "addr", *addr)
	if err := http.ListenAndServe(*addr, r); err != nil {
		logger.Error("stub server", "err", err)
	}
}
