package playout

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"playout/internal/platform/logger"
	"playout/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

// maxUploadMemory is the multipart memory budget; larger parts spill to disk.
const maxUploadMemory = 32 << 20

// Handler exposes the engine over HTTP using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	if log == nil {
		log = logger.Discard()
	}
	return &Handler{svc: svc, log: log, metrics: m}
}

// Routes registers every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/timeline", func(r chi.Router) {
		r.Get("/", h.ListTimeline)
		r.Post("/", h.PlaceEntry)
		r.Put("/{id}", h.MoveEntry)
		r.Delete("/{id}", h.RemoveEntry)
	})
	r.Route("/assets", func(r chi.Router) {
		r.Get("/", h.ListAssets)
		r.Post("/", h.UploadAsset)
		r.Delete("/{name}/{format}", h.RetireAsset)
	})
	r.Post("/reconcile", h.Reconcile)
	r.Post("/sweep", h.Sweep)
	r.Get("/output", h.Output)
}

// TimelineResponse is the body of GET /timeline.
type TimelineResponse struct {
	TimeZone string         `json:"time_zone"`
	Entries  []Entry        `json:"entries"`
	Armed    []ArmedTrigger `json:"armed"`
}

// ListTimeline handles GET /timeline.
func (h *Handler) ListTimeline(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.Timeline(r.Context())
	if err != nil {
		h.writeError(w, r, "list timeline", err)
		return
	}
	h.writeJSON(w, http.StatusOK, TimelineResponse{
		TimeZone: h.svc.Location().String(),
		Entries:  entries,
		Armed:    h.svc.Armed(),
	})
}

// PlaceEntry handles POST /timeline.
// Body: {"asset_name":"logo","asset_format":"png","media_type":"image",
// "start":"2026-10-19 10:00:00","time_zone":"Europe/Moscow","seconds":30,"priority":1}.
func (h *Handler) PlaceEntry(w http.ResponseWriter, r *http.Request) {
	var req PlaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid place body", slog.String("error", err.Error()))
		h.metrics.IncAdmission("invalid")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	entry, err := h.svc.Place(r.Context(), req)
	if err != nil {
		h.writeError(w, r, "place entry", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, entry)
}

type moveRequest struct {
	Start    string `json:"start"`
	TimeZone string `json:"time_zone"`
}

// MoveEntry handles PUT /timeline/{id}. Body: {"start": "...", "time_zone": "..."}.
func (h *Handler) MoveEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := entryIDParam(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid move body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	entry, err := h.svc.Move(r.Context(), id, req.Start, req.TimeZone)
	if err != nil {
		h.writeError(w, r, "move entry", err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

// RemoveEntry handles DELETE /timeline/{id}.
func (h *Handler) RemoveEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := entryIDParam(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := h.svc.Remove(r.Context(), id); err != nil {
		h.writeError(w, r, "remove entry", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAssets handles GET /assets.
func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.Assets())
}

// UploadAsset handles POST /assets as multipart/form-data with a "media"
// file part and "name", "format" and "media_type" fields.
func (h *Handler) UploadAsset(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		h.log.Debug("invalid upload form", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("media")
	if err != nil {
		h.log.Debug("upload without media part", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer file.Close()

	req := UploadRequest{
		Name:      r.FormValue("name"),
		Format:    r.FormValue("format"),
		MediaType: MediaType(r.FormValue("media_type")),
	}
	asset, err := h.svc.Upload(r.Context(), req, file)
	if err != nil {
		h.writeError(w, r, "upload asset", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, asset)
}

// RetireAsset handles DELETE /assets/{name}/{format}.
func (h *Handler) RetireAsset(w http.ResponseWriter, r *http.Request) {
	key := AssetKey{Name: chi.URLParam(r, "name"), Format: chi.URLParam(r, "format")}
	if err := h.svc.RetireAsset(r.Context(), key); err != nil {
		h.writeError(w, r, "retire asset", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reconcile handles POST /reconcile. The pass runs asynchronously.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	h.svc.RequestReconcile()
	w.WriteHeader(http.StatusAccepted)
}

// Sweep handles POST /sweep.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Sweep(r.Context())
	if err != nil {
		h.writeError(w, r, "sweep", err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// Output handles GET /output.
func (h *Handler) Output(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.Output())
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	log := logger.FromContext(r.Context(), h.log)
	if status >= http.StatusInternalServerError {
		log.Error(op+" failed", slog.String("error", err.Error()))
	} else {
		log.Info(op+" rejected", slog.Int("status", status), slog.String("error", err.Error()))
	}
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Debug("response not written", slog.String("error", err.Error()))
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrInUse):
		return http.StatusLocked
	case errors.Is(err, ErrDependency):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func entryIDParam(r *http.Request) (EntryID, bool) {
	n, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return EntryID(n), true
}
