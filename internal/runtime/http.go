package runtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-sense/internal/session"
)

const defaultHistoryLimit = 50

func (r *Runtime) routes(metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	mux.HandleFunc("GET /v1/sessions", r.handleList)
	mux.HandleFunc("GET /v1/sessions/{modality}", r.handleGet)
	mux.HandleFunc("POST /v1/sessions/{modality}/{action}", r.handleControl)
	mux.HandleFunc("GET /v1/history", r.handleHistory)
	mux.HandleFunc("GET /v1/history/{id}", r.handleHistoryEvents)
	if r.hub != nil {
		mux.Handle("/ws", r.hub)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.Statuses())
}

func (r *Runtime) handleGet(w http.ResponseWriter, req *http.Request) {
	m, ok := session.ParseModality(req.PathValue("modality"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown modality")
		return
	}
	ctrl, ok := r.sessions[m]
	if !ok {
		writeError(w, http.StatusNotFound, errSessionDisabled.Error())
		return
	}
	writeJSON(w, http.StatusOK, ctrl.Snapshot())
}

func (r *Runtime) handleControl(w http.ResponseWriter, req *http.Request) {
	m, ok := session.ParseModality(req.PathValue("modality"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown modality")
		return
	}
	status, err := r.Control(req.Context(), m, req.PathValue("action"))
	switch {
	case errors.Is(err, errSessionDisabled):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errUnknownAction):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, status)
	}
}

func (r *Runtime) handleHistory(w http.ResponseWriter, req *http.Request) {
	modality := req.URL.Query().Get("modality")
	if modality != "" {
		if _, ok := session.ParseModality(modality); !ok {
			writeError(w, http.StatusBadRequest, "unknown modality")
			return
		}
	}
	sessions, err := r.store.ListSessions(req.Context(), modality, queryLimit(req))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (r *Runtime) handleHistoryEvents(w http.ResponseWriter, req *http.Request) {
	events, err := r.store.ListSessionEvents(req.Context(), req.PathValue("id"), queryLimit(req))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func queryLimit(req *http.Request) int {
	limit, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultHistoryLimit
	}
	return limit
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
