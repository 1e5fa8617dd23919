package main

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/kwv/batchfit/batch"
)

// previewWidth is the preview SVG width in millimetres.
const previewWidth = 160

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(tracker *batch.ResultTracker, progress *batch.Progress, runID string) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		status := struct {
			Status     string    `json:"status"`
			Timestamp  time.Time `json:"timestamp"`
			RunID      string    `json:"runId"`
			HasResults bool      `json:"hasResults"`
		}{
			Status:     "ok",
			Timestamp:  time.Now(),
			RunID:      runID,
			HasResults: tracker.HasResults(),
		}
		writeJSON(w, status)
	})

	mux.HandleFunc("GET /progress", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, progress.Snapshot())
	})

	mux.HandleFunc("GET /rms.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, tracker.Results())
	})

	mux.HandleFunc("GET /rms.csv", func(w http.ResponseWriter, r *http.Request) {
		table := tracker.Table()
		if table.Len() == 0 {
			http.Error(w, "No results available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Cache-Control", "no-cache")
		if err := table.WriteCSV(w); err != nil {
			log.Printf("Error encoding RMS table: %v", err)
		}
	})

	chart := func(format string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			result, ok := lookupResult(w, tracker, r.PathValue("id"))
			if !ok {
				return
			}
			c := batch.NewRMSChart(result.Subject, result.Report)
			w.Header().Set("Cache-Control", "no-cache")
			var err error
			if format == "png" {
				w.Header().Set("Content-Type", "image/png")
				err = c.RenderPNG(w)
			} else {
				w.Header().Set("Content-Type", "image/svg+xml")
				err = c.RenderSVG(w)
			}
			if err != nil {
				log.Printf("Error rendering RMS chart for %s: %v", result.Subject, err)
			}
		}
	}
	mux.HandleFunc("GET /subjects/{id}/rms.svg", chart("svg"))
	mux.HandleFunc("GET /subjects/{id}/rms.png", chart("png"))

	mux.HandleFunc("GET /subjects/{id}/preview.svg", func(w http.ResponseWriter, r *http.Request) {
		result, ok := tracker.Result(r.PathValue("id"))
		if !ok || result.DataPath == "" {
			http.Error(w, "Unknown subject", http.StatusNotFound)
			return
		}
		sets, err := batch.ReadPointSetFile(result.DataPath)
		if err != nil {
			log.Printf("Error reading %s: %v", result.DataPath, err)
			http.Error(w, "Data unavailable", http.StatusInternalServerError)
			return
		}
		if _, ok := batch.PreviewBounds(sets); !ok {
			http.Error(w, "No coordinates to preview", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		if err := batch.RenderPreview(w, sets, previewWidth); err != nil {
			log.Printf("Error rendering preview for %s: %v", result.Subject, err)
		}
	})

	return mux
}

// lookupResult writes a 404 when subject has no usable report.
func lookupResult(w http.ResponseWriter, tracker *batch.ResultTracker, subject string) (batch.SubjectResult, bool) {
	result, ok := tracker.Result(subject)
	if !ok {
		http.Error(w, "Unknown subject", http.StatusNotFound)
		return result, false
	}
	if !result.OK() {
		http.Error(w, "Subject failed: "+result.Error, http.StatusNotFound)
		return result, false
	}
	return result, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}
