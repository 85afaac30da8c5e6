// Package control exposes the HTTP API that starts, pauses, stops and
// reports import runs.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/rank-sync/internal/importrun"
	"github.com/sells-group/rank-sync/internal/rankimport"
)

// MsgNoImport is returned by the status endpoint before any run exists.
const MsgNoImport = "No import running."

// Controller is the run control surface the API needs.
type Controller interface {
	Start(ctx context.Context) (int64, error)
	Pause(ctx context.Context, id int64, paused bool) (*importrun.ImportRun, error)
	Stop(ctx context.Context, id int64) (*importrun.ImportRun, error)
	Status(ctx context.Context) (*importrun.ImportRun, error)
}

type startResponse struct {
	StatusID int64  `json:"statusId"`
	Message  string `json:"message"`
}

type pauseRequest struct {
	StatusID int64 `json:"statusId"`
	Pause    *bool `json:"pause"`
}

type stopRequest struct {
	StatusID int64 `json:"statusId"`
}

// NewRouter builds the control API. An empty corsOrigins allows any origin.
func NewRouter(ctrl Controller, corsOrigins []string) http.Handler {
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	h := &handler{ctrl: ctrl}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	r.Route("/import", func(r chi.Router) {
		r.Post("/start", h.start)
		r.Post("/pause", h.pause)
		r.Post("/stop", h.stop)
		r.Get("/status", h.status)
	})
	return r
}

type handler struct {
	ctrl Controller
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) start(w http.ResponseWriter, r *http.Request) {
	id, err := h.ctrl.Start(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{StatusID: id, Message: importrun.MsgStarting})
}

func (h *handler) pause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	if req.StatusID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("statusId is required"))
		return
	}
	if req.Pause == nil {
		writeJSON(w, http.StatusBadRequest, errorBody("pause is required"))
		return
	}

	run, err := h.ctrl.Pause(r.Context(), req.StatusID, *req.Pause)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *handler) stop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	if req.StatusID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("statusId is required"))
		return
	}

	run, err := h.ctrl.Stop(r.Context(), req.StatusID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	run, err := h.ctrl.Status(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if run == nil {
		writeJSON(w, http.StatusOK, map[string]string{"message": MsgNoImport})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, rankimport.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, errorBody("an import is already running"))
	case errors.Is(err, importrun.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("import run not found"))
	default:
		zap.L().Error("control: request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("control: encode response", zap.Error(err))
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("took", time.Since(start)),
		)
	})
}
