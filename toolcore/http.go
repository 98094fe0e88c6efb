package toolcore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/health"

	"github.com/parleylabs/parley/telemetry"
)

// maxUploadBytes bounds uploaded script size.
const maxUploadBytes = 10 << 20

type (
	// APIConfig assembles the HTTP surface of a Service.
	APIConfig struct {
		// Service handles executions and owns the registry.
		Service *Service
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
		// Pingers back the health endpoint.
		Pingers []health.Pinger
	}

	// API exposes tool execution and registry management over HTTP.
	API struct {
		svc     *Service
		log     telemetry.Logger
		pingers []health.Pinger
	}
)

// NewAPI builds the HTTP surface for svc.
func NewAPI(cfg APIConfig) *API {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &API{svc: cfg.Service, log: logger, pingers: cfg.Pingers}
}

// Handler returns the API router. Callers wrap it with whatever
// middleware the process uses.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/execute/", a.handleExecute)
	r.Post("/execute/upload-execute", a.handleUploadExecute)
	r.Route("/tools", func(r chi.Router) {
		r.Get("/", a.handleListTools)
		r.Post("/", a.handleCreateTool)
		r.Get("/{name}", a.handleGetTool)
		r.Put("/{name}", a.handleUpdateTool)
		r.Delete("/{name}", a.handleDeleteTool)
	})
	r.Get("/healthz", health.Handler(health.NewChecker(a.pingers...)))
	return r
}

// handleExecute accepts one invocation. Every outcome rides a 202: the
// envelope status distinguishes acceptance from rejection, and actual
// results arrive over the bus.
func (a *API) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, &Response{
			Status: StatusFailed,
			Error:  fmt.Sprintf("invalid request body: %v", err),
		})
		return
	}
	respond(w, http.StatusAccepted, a.svc.Execute(r.Context(), &req))
}

// handleUploadExecute runs a script shipped in the request itself.
func (a *API) handleUploadExecute(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		respond(w, http.StatusBadRequest, &Response{
			Status: StatusFailed,
			Error:  fmt.Sprintf("invalid multipart form: %v", err),
		})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respond(w, http.StatusBadRequest, &Response{
			Status: StatusFailed,
			Error:  "missing file field",
		})
		return
	}
	defer file.Close()
	script, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		respond(w, http.StatusBadRequest, &Response{
			Status: StatusFailed,
			Error:  fmt.Sprintf("read upload: %v", err),
		})
		return
	}

	req := Request{
		ToolName:        r.FormValue("tool_name"),
		DryRun:          r.FormValue("dry_run") == "true",
		RequestingAgent: r.FormValue("requesting_agent"),
		TaskID:          r.FormValue("task_id"),
	}
	if raw := r.FormValue("parameters"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Parameters); err != nil {
			respond(w, http.StatusBadRequest, &Response{
				Status: StatusFailed,
				Error:  fmt.Sprintf("invalid parameters field: %v", err),
			})
			return
		}
	}
	respond(w, http.StatusAccepted, a.svc.ExecuteUpload(r.Context(), header.Filename, script, &req))
}

func (a *API) handleListTools(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]any{"tools": a.svc.registry.List()})
}

func (a *API) handleCreateTool(w http.ResponseWriter, r *http.Request) {
	var def Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := a.svc.registry.Create(def); err != nil {
		switch {
		case errors.Is(err, ErrToolExists):
			respondError(w, http.StatusConflict, err.Error())
		case isRegistryIO(err):
			respondError(w, http.StatusInternalServerError, err.Error())
		default:
			respondError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	respond(w, http.StatusCreated, def)
}

func (a *API) handleGetTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	def, ok := a.svc.registry.Get(name)
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Sprintf("tool %q is not registered", name))
		return
	}
	respond(w, http.StatusOK, def)
}

func (a *API) handleUpdateTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var def Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := a.svc.registry.Update(name, def); err != nil {
		switch {
		case errors.Is(err, ErrToolNotFound):
			respondError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, ErrToolExists):
			respondError(w, http.StatusConflict, err.Error())
		case isRegistryIO(err):
			respondError(w, http.StatusInternalServerError, err.Error())
		default:
			respondError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	updatedName := def.Name
	if updatedName == "" {
		updatedName = name
	}
	updated, _ := a.svc.registry.Get(updatedName)
	respond(w, http.StatusOK, updated)
}

func (a *API) handleDeleteTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.svc.registry.Delete(name); err != nil {
		if errors.Is(err, ErrToolNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func respond(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, code int, msg string) {
	respond(w, code, map[string]string{"error": msg})
}

// isRegistryIO reports whether err came from persisting the registry
// file rather than from validating the definition.
func isRegistryIO(err error) bool {
	return errors.Is(err, errPersist)
}
