package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kwv/puppeteer/fleet"
)

// maxBodyBytes bounds request bodies on the control endpoints.
const maxBodyBytes = 4096

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(a *App) http.Handler {
	log := a.log.WithField("component", "http")
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		log.WithField("remote", r.RemoteAddr).Debug("/health")
		status := struct {
			Status        string    `json:"status"`
			Timestamp     time.Time `json:"timestamp"`
			MQTTConnected bool      `json:"mqttConnected"`
			Calibrated    bool      `json:"calibrated"`
		}{
			Status:        "ok",
			Timestamp:     time.Now(),
			MQTTConnected: a.MQTTClient != nil && a.MQTTClient.IsConnected(),
			Calibrated:    a.Coordinator.Status().Calibrated,
		}
		writeJSON(w, log, http.StatusOK, status)
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, log, http.StatusOK, a.Coordinator.Status())
	})

	mux.HandleFunc("GET /assignment", func(w http.ResponseWriter, r *http.Request) {
		event, ok := a.StateTracker.Assignment()
		if !ok {
			http.Error(w, "No assignment available", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, log, http.StatusOK, event)
	})

	mux.HandleFunc("GET /calibration", func(w http.ResponseWriter, r *http.Request) {
		offset, ok := a.StateTracker.Calibration()
		if !ok {
			http.Error(w, "Not calibrated", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, log, http.StatusOK, offset)
	})

	// Live positions endpoint
	mux.HandleFunc("GET /live.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := a.Live.WritePNG(w, a.StateTracker.Snapshot()); err != nil {
			log.WithError(err).Error("encoding live PNG")
		}
	})

	// Vector endpoints
	mux.HandleFunc("GET /arena.svg", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := a.Vector.RenderToSVG(w, a.StateTracker.Snapshot()); err != nil {
			log.WithError(err).Error("encoding arena SVG")
		}
	})

	mux.HandleFunc("GET /arena.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := a.Vector.RenderToPNG(w, a.StateTracker.Snapshot()); err != nil {
			log.WithError(err).Error("encoding arena PNG")
		}
	})

	mux.Handle("GET /metrics", a.Metrics.Handler())

	mux.HandleFunc("POST /condition", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "reading body", http.StatusBadRequest)
			return
		}
		cond, err := fleet.DecodeConditionPayload(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.WithField("condition", cond).Info("operating condition set over HTTP")
		a.Runner.SetCondition(cond)
		writeJSON(w, log, http.StatusOK, a.Coordinator.Status())
	})

	mux.HandleFunc("POST /calibration/reset", func(w http.ResponseWriter, r *http.Request) {
		log.Info("calibration reset over HTTP")
		a.Runner.ResetCalibration()
		writeJSON(w, log, http.StatusOK, a.Coordinator.Status())
	})

	mux.HandleFunc("PUT /robots/{slot}/start", func(w http.ResponseWriter, r *http.Request) {
		slot, err := parseSlot(r.PathValue("slot"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var pose fleet.Vec3
		dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&pose); err != nil {
			http.Error(w, "invalid start pose: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := a.Runner.SetStartPose(slot, pose); err != nil {
			code := http.StatusBadRequest
			if !errors.Is(err, fleet.ErrDegenerateGeometry) {
				code = http.StatusNotFound
			}
			http.Error(w, err.Error(), code)
			return
		}
		writeJSON(w, log, http.StatusOK, a.Coordinator.Status())
	})

	return mux
}

func writeJSON(w http.ResponseWriter, log logrus.FieldLogger, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("encoding response")
	}
}
