package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"fmt"
	"net/http"
	"strconv"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/google/uuid"

	"github.com/Brownie44l1/live-classifier/internal/model"
	"github.com/Brownie44l1/live-classifier/internal/pipelineerr"
	"github.com/Brownie44l1/live-classifier/internal/report"
	"github.com/Brownie44l1/live-classifier/internal/session"
	"github.com/Brownie44l1/live-classifier/internal/speech"
	"github.com/Brownie44l1/live-classifier/internal/storage"
	"github.com/Brownie44l1/live-classifier/internal/topk"
)

const (
	maxUploadSize = 10 << 20

	defaultPredictionLimit = 20
	maxPredictionLimit     = 500
)

// PredictionStore is the read side of the prediction storage.
type PredictionStore interface {
	Recent(ctx context.Context, sessionID uuid.UUID, limit int) ([]storage.Prediction, error)
	Similar(ctx context.Context, scores []float32, limit int) ([]storage.Prediction, error)
}

var _ PredictionStore = (*storage.Postgres)(nil)

type Handler struct {
	session     *session.Session
	status      *report.Status
	announcer   *speech.Announcer
	metrics     http.Handler
	predictions PredictionStore
}

// NewHandler wires the HTTP surface. announcer, metrics and predictions
// may be nil.
func NewHandler(
	sess *session.Session,
	status *report.Status,
	announcer *speech.Announcer,
	metrics http.Handler,
	predictions PredictionStore,
) *Handler {
	return &Handler{
		session:     sess,
		status:      status,
		announcer:   announcer,
		metrics:     metrics,
		predictions: predictions,
	}
}

type SpeechStatus struct {
	Enabled bool `json:"enabled"`
	Playing bool `json:"playing"`
}

type StatusResponse struct {
	Session session.Info          `json:"session"`
	Status  report.StatusSnapshot `json:"status"`
	Speech  *SpeechStatus         `json:"speech,omitempty"`
}

type PredictionResponse struct {
	Class       string             `json:"class"`
	Confidence  float32            `json:"confidence"`
	Predictions map[string]float32 `json:"predictions"`
	TopK        topk.Result        `json:"top_k"`
	ElapsedMs   float64            `json:"elapsed_ms"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugf(r.Context(), "unable to write the response: %v", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	var stateErr *pipelineerr.StatePreconditionError
	switch {
	case errors.Is(err, session.ErrBusy), errors.As(err, &stateErr):
		code = http.StatusConflict
	case pipelineerr.IsFatal(err):
		code = http.StatusUnprocessableEntity
	}
	if code == http.StatusInternalServerError {
		logger.Errorf(r.Context(), "%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, r, code, map[string]string{"error": err.Error()})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Session: h.session.Info(),
		Status:  h.status.Snapshot(),
	}
	if h.announcer != nil {
		resp.Speech = &SpeechStatus{
			Enabled: h.announcer.Enabled(),
			Playing: h.announcer.Playing(),
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (h *Handler) Labels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.session.Labels())
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Start(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	h.Status(w, r)
}

func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Stop(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	h.Status(w, r)
}

func (h *Handler) Toggle(w http.ResponseWriter, r *http.Request) {
	if _, err := h.session.Toggle(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	h.Status(w, r)
}

func (h *Handler) Device(w http.ResponseWriter, r *http.Request) {
	accelerated, err := strconv.ParseBool(r.URL.Query().Get("accelerated"))
	if err != nil {
		http.Error(w, "Query parameter 'accelerated' must be true or false", http.StatusBadRequest)
		return
	}
	if err := h.session.SetAccelerated(r.Context(), accelerated); err != nil {
		writeError(w, r, err)
		return
	}
	h.Status(w, r)
}

func (h *Handler) Speech(w http.ResponseWriter, r *http.Request) {
	if h.announcer == nil {
		http.Error(w, "Speech is not configured", http.StatusNotFound)
		return
	}
	enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		http.Error(w, "Query parameter 'enabled' must be true or false", http.StatusBadRequest)
		return
	}
	h.announcer.SetEnabled(enabled)
	h.Status(w, r)
}

func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		http.Error(w, "Metrics are not enabled", http.StatusNotFound)
		return
	}
	h.metrics.ServeHTTP(w, r)
}

func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "No image file provided. Use 'image' as the form field name", http.StatusBadRequest)
		return
	}
	defer file.Close()

	img, format, err := image.Decode(file)
	if err != nil {
		http.Error(w, "Invalid image format. Supported: JPEG, PNG", http.StatusBadRequest)
		return
	}
	logger.Debugf(r.Context(), "received %s (%s, %d bytes, %dx%d)",
		header.Filename, format, header.Size, img.Bounds().Dx(), img.Bounds().Dy())

	result, elapsed, err := h.session.Classify(r.Context(), model.FrameFromImage(img))
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := PredictionResponse{
		Predictions: make(map[string]float32, len(result)),
		TopK:        result,
		ElapsedMs:   float64(elapsed) / 1e6,
	}
	if top, ok := result.Top(); ok {
		resp.Class = top.Label
		resp.Confidence = top.Confidence
	}
	for _, e := range result {
		if e.Filled() {
			resp.Predictions[e.Label] = e.Confidence
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

type SimilarRequest struct {
	Scores []float32 `json:"scores"`
	Limit  int       `json:"limit"`
}

func parseLimit(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > maxPredictionLimit {
		return 0, fmt.Errorf("limit must be within [1, %d]", maxPredictionLimit)
	}
	return limit, nil
}

// RecentPredictions lists stored predictions of a session, the current one
// unless 'session' is given.
func (h *Handler) RecentPredictions(w http.ResponseWriter, r *http.Request) {
	if h.predictions == nil {
		http.Error(w, "Storage is not configured", http.StatusNotFound)
		return
	}
	query := r.URL.Query()

	limit, err := parseLimit(query.Get("limit"), defaultPredictionLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sessionID := h.session.Info().ID
	if raw := query.Get("session"); raw != "" {
		sessionID, err = uuid.Parse(raw)
		if err != nil {
			http.Error(w, "Query parameter 'session' must be a UUID", http.StatusBadRequest)
			return
		}
	}
	if sessionID == uuid.Nil {
		http.Error(w, "No session has been started yet; pass 'session'", http.StatusBadRequest)
		return
	}

	predictions, err := h.predictions.Recent(r.Context(), sessionID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, predictions)
}

// SimilarPredictions finds stored frames with score vectors close to the
// posted one.
func (h *Handler) SimilarPredictions(w http.ResponseWriter, r *http.Request) {
	if h.predictions == nil {
		http.Error(w, "Storage is not configured", http.StatusNotFound)
		return
	}

	var req SimilarRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadSize)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if n := len(h.session.Labels()); len(req.Scores) != n {
		http.Error(w, fmt.Sprintf("Expected %d scores, got %d", n, len(req.Scores)), http.StatusBadRequest)
		return
	}
	if req.Limit == 0 {
		req.Limit = defaultPredictionLimit
	}
	if req.Limit < 0 || req.Limit > maxPredictionLimit {
		http.Error(w, fmt.Sprintf("limit must be within [1, %d]", maxPredictionLimit), http.StatusBadRequest)
		return
	}

	predictions, err := h.predictions.Similar(r.Context(), req.Scores, req.Limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, predictions)
}
