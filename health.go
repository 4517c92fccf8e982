package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
)

func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "healthy"}); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// serveHealth exposes a liveness endpoint when PORT is set, for deployments
// that probe the container. The bot itself lives on the gateway connection.
func serveHealth(logger *slog.Logger) {
	port := os.Getenv("PORT")
	if port == "" {
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)

	go func() {
		logger.Info("Starting health endpoint", "port", port)
		if err := http.ListenAndServe(":"+port, mux); err != nil {
			logger.Error("Health endpoint failed", "error", err)
		}
	}()
}
