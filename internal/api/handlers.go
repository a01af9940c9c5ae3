package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// eventKeepAlive is how often an idle event stream gets a comment line.
const eventKeepAlive = 15 * time.Second

// handleHealth serves health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
		s.logger.Error("failed to write health response", "error", err)
	}
}

// handleBeacons renders the store. Query parameters override the station's
// current mode and filters one by one.
func (s *Server) handleBeacons(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	optional := func(key string) *string {
		if !params.Has(key) {
			return nil
		}
		v := params.Get(key)
		return &v
	}
	overrides := selectionOverrides{
		Mode:      optional("mode"),
		Sender:    optional("sender"),
		Time:      optional("time"),
		Direction: params.Get("direction"),
	}

	sel, err := overrides.apply(s.station.View())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	view := s.station.Render(sel.Mode, sel.Filters)
	if s.metrics != nil {
		s.metrics.RenderedPoints.Observe(float64(len(view.Points)))
	}
	s.writeJSON(w, http.StatusOK, EncodeView(view))
}

// handleClear empties the live table and the history log.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.station.ClearAll(r.Context()); err != nil {
		s.logger.Error("failed to clear beacons", "error", err)
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("beacons cleared", "remote", r.RemoteAddr)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetView(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, encodeSelection(s.station.View()))
}

// handlePutView replaces the station's mode and filters.
func (s *Server) handlePutView(w http.ResponseWriter, r *http.Request) {
	var body SelectionJSON
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid view: %w", err))
		return
	}

	sel, err := DecodeSelection(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	s.station.SetView(sel)
	s.writeJSON(w, http.StatusOK, encodeSelection(s.station.View()))
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.station.SetPaused(true)
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.station.SetPaused(false)
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, StatsJSON{
		Ingest: s.station.Stats(),
		Paused: s.station.Paused(),
	})
}

// handleEvents streams the station's current view as server-sent events: one
// immediately, then one per change notification.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	ch := s.hub.subscribe()
	defer s.hub.unsubscribe(ch)

	if s.metrics != nil {
		s.metrics.EventStreams.Inc()
		defer s.metrics.EventStreams.Dec()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := s.writeEvent(w, flusher); err != nil {
		return
	}

	keepAlive := time.NewTicker(eventKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.hub.done:
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-ch:
			if err := s.writeEvent(w, flusher); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeEvent(w http.ResponseWriter, flusher http.Flusher) error {
	view := s.station.Query()
	data, err := json.Marshal(EncodeView(view))
	if err != nil {
		s.logger.Error("failed to encode view", "error", err)
		return err
	}

	if _, err := fmt.Fprintf(w, "id: %d\nevent: view\ndata: %s\n\n", view.Version, data); err != nil {
		s.logger.Debug("event stream closed", "error", err)
		return err
	}
	flusher.Flush()
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
