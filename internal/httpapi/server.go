package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"genpool/internal/orchestrator"
	"genpool/pkg/types"
)

// Service defines the methods the HTTP layer needs from the orchestrator,
// expressed entirely in terms of pkg/types so the router stays decoupled
// from the registry's internal record type. *orchestrator.Orchestrator
// satisfies this directly; tests substitute a mock.
type Service interface {
	StatusSnapshot() types.StatusResponse
	TypeViews() []types.BackendTypeView
	ListBackendViews() []types.BackendStatusView
	BackendView(id int64) (types.BackendStatusView, bool)
	AddBackendView(typeID, title string, settings json.RawMessage, enabled bool) (types.BackendStatusView, error)
	EditBackendView(ctx context.Context, id int64, settings json.RawMessage, title *string) (types.BackendStatusView, error)
	BackendSettings(id int64) (json.RawMessage, bool)
	DeleteBackend(ctx context.Context, id int64) bool
	ReloadAll(ctx context.Context)
	GenerateLive(opts orchestrator.GetNextBackendOpts, input types.GenerationInput, batchID string, onEvent func(types.GenerationEvent)) error
	InterruptSession(sessionID string) bool
	Ready() bool
}

// NewMux builds the HTTP router: admin CRUD over backends, the streaming
// generate endpoint, status, health, and metrics.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}

	r.Get("/status", handleStatus(svc))
	r.Get("/types", handleTypes(svc))

	r.Route("/backends", func(r chi.Router) {
		r.Get("/", handleListBackends(svc))
		r.Post("/", handleAddBackend(svc))
		r.Get("/{id}", handleGetBackend(svc))
		r.Patch("/{id}", handleEditBackend(svc))
		r.Delete("/{id}", handleDeleteBackend(svc))
	})

	r.Post("/reload", handleReload(svc))
	r.Post("/generate", handleGenerate(svc))
	r.Post("/sessions/{id}/interrupt", handleInterruptSession(svc))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)

	return r
}

func handleStatus(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(svc.StatusSnapshot()); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		}
	}
}

func handleTypes(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{"types": svc.TypeViews()}); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		}
	}
}

func handleListBackends(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{"backends": svc.ListBackendViews()}); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		}
	}
}

func handleGetBackend(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid backend id")
			return
		}
		view, ok := svc.BackendView(id)
		if !ok {
			writeJSONError(w, http.StatusNotFound, "backend not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(view)
	}
}

func handleAddBackend(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.AddBackendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Type == "" {
			writeJSONError(w, http.StatusBadRequest, "type is required")
			return
		}
		view, err := svc.AddBackendView(req.Type, req.Title, req.Settings, req.Enabled)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(view)
	}
}

func handleEditBackend(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid backend id")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.EditBackendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		existing, _ := svc.BackendSettings(id)
		settings, err := mergeSettingsPatch(existing, req.Settings)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		view, err := svc.EditBackendView(r.Context(), id, settings, req.Title)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(view)
	}
}

func handleDeleteBackend(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid backend id")
			return
		}
		if !svc.DeleteBackend(r.Context(), id) {
			writeJSONError(w, http.StatusNotFound, "backend not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleInterruptSession(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !svc.InterruptSession(id) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func handleReload(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc.ReloadAll(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}
}

func handleGenerate(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Model == "" {
			writeJSONError(w, http.StatusBadRequest, "model is required")
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		var flush func()
		if f, ok := w.(http.Flusher); ok {
			flush = f.Flush
		}

		lvl := requestLogLevel(r)
		var writer io.Writer = w
		if lvl >= LevelDebug {
			writer = io.MultiWriter(w, &loggingLineWriter{})
		}

		batchID := middleware.GetReqID(r.Context())
		start := time.Now()
		if lvl >= LevelInfo {
			logGenerate(r, "generate start", req.Model, batchID, 0, 0)
		}

		joinedCtx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()

		maxWait := time.Duration(req.MaxWaitSeconds) * time.Second
		opts := orchestrator.GetNextBackendOpts{
			MaxWait:      maxWait,
			DesiredModel: req.Model,
			SessionID:    req.SessionID,
			Ctx:          joinedCtx,
		}

		enc := json.NewEncoder(writer)
		err := svc.GenerateLive(opts, types.GenerationInput{Model: req.Model, Graph: req.Graph}, batchID, func(evt types.GenerationEvent) {
			_ = enc.Encode(evt)
			if flush != nil {
				flush()
			}
		})
		if err != nil {
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			writeServiceError(w, err)
			if lvl >= LevelInfo {
				logGenerate(r, "generate end", req.Model, batchID, errorToStatus(err), time.Since(start))
			}
			return
		}
		if lvl >= LevelInfo {
			logGenerate(r, "generate end", req.Model, batchID, http.StatusOK, time.Since(start))
		}
	}
}

// mergeSettingsPatch applies patch's top-level keys onto existing, leaving
// every field the patch doesn't mention untouched. An empty patch is a
// no-op, so PATCH /backends/{id} with only a title change never wipes the
// backend's settings.
func mergeSettingsPatch(existing, patch json.RawMessage) (json.RawMessage, error) {
	if len(patch) == 0 {
		return existing, nil
	}
	if !gjson.ValidBytes(patch) {
		return nil, errInvalidSettingsPatch
	}
	out := existing
	if len(out) == 0 {
		out = []byte("{}")
	}
	var mergeErr error
	gjson.ParseBytes(patch).ForEach(func(key, value gjson.Result) bool {
		out, mergeErr = sjson.SetRawBytes(out, key.String(), []byte(value.Raw))
		return mergeErr == nil
	})
	if mergeErr != nil {
		return nil, mergeErr
	}
	return out, nil
}

func logGenerate(r *http.Request, msg, model, batchID string, status int, dur time.Duration) {
	if zlog != nil {
		z := zlog.Info().Str("path", r.URL.Path).Str("model", model).Str("batch_id", batchID)
		if status != 0 {
			z = z.Int("status", status).Dur("dur", dur)
		}
		z.Msg(msg)
		return
	}
	log.Printf("%s path=%s model=%s batch_id=%s status=%d dur=%s", msg, r.URL.Path, model, batchID, status, dur)
}
