package administrator

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"dupcheck/internal/pkg/deduplicator"
	"dupcheck/internal/pkg/fingerprint"
	"dupcheck/internal/pkg/imagehash"
	"dupcheck/internal/pkg/logger"
	"dupcheck/internal/pkg/metrics"
	"dupcheck/internal/pkg/models"
	"dupcheck/internal/pkg/queue"
)

const maxUploadBytes = 32 << 20

// Body of POST /check and POST /jobs when no image is uploaded.
type checkRequest struct {
	Fingerprint string `json:"fingerprint"`
	Source      string `json:"source,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Holds the dependencies of the HTTP handlers.
type handler struct {
	checker    deduper.Deduper
	jobs       queue.JobQueue
	extractor  imagehash.Extractor // nil when the width has no perceptual hash
	width      int
	numWorkers int
	startTime  time.Time
}

// Creates the HTTP router. A nil limiter disables rate limiting.
func newRouter(h *handler, limiter *rate.Limiter) *mux.Router {
	r := mux.NewRouter()

	r.Use(loggingMiddleware)

	api := r.NewRoute().Subrouter()
	api.Use(rateLimitMiddleware(limiter))
	api.HandleFunc("/check", h.handleCheck).Methods(http.MethodPost)
	api.HandleFunc("/jobs", h.handleEnqueue).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", h.handleJobResult).Methods(http.MethodGet)

	r.HandleFunc("/stats", h.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

// Logs request details and latency.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		start := time.Now()
		next.ServeHTTP(writer, request)
		logger.Log.Debug("Handled request",
			zap.String("method", request.Method),
			zap.String("path", request.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

// Rejects requests beyond the limiter's rate with 429.
func rateLimitMiddleware(limiter *rate.Limiter) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			if !limiter.Allow() {
				metrics.RateLimited.Inc()
				sendJSON(writer, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
				return
			}
			next.ServeHTTP(writer, request)
		})
	}
}

// Handles POST /check: runs the duplicate check synchronously.
func (h *handler) handleCheck(writer http.ResponseWriter, request *http.Request) {
	fp, _, status, err := h.readFingerprint(writer, request)
	if err != nil {
		sendJSON(writer, status, errorResponse{Error: err.Error()})
		return
	}

	result, err := h.checker.CheckAndInsert(request.Context(), fp)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			logger.Log.Error("Duplicate check failed", zap.Error(err))
		}
		sendJSON(writer, status, errorResponse{Error: err.Error()})
		return
	}
	sendJSON(writer, http.StatusOK, result)
}

// Handles POST /jobs: queues the check and returns its job id.
func (h *handler) handleEnqueue(writer http.ResponseWriter, request *http.Request) {
	fp, source, status, err := h.readFingerprint(writer, request)
	if err != nil {
		sendJSON(writer, status, errorResponse{Error: err.Error()})
		return
	}

	job := models.Job{
		ID:          uuid.NewString(),
		Fingerprint: fp.String(),
		Source:      source,
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := h.jobs.Insert(request.Context(), job); err != nil {
		if errors.Is(err, queue.ErrFull) {
			sendJSON(writer, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
			return
		}
		logger.Log.Error("Failed to enqueue job", zap.Error(err))
		sendJSON(writer, http.StatusInternalServerError, errorResponse{Error: "failed to enqueue job"})
		return
	}
	metrics.JobsEnqueued.Inc()
	sendJSON(writer, http.StatusAccepted, models.JobResult{JobID: job.ID, Status: models.JobPending, Source: source})
}

// Handles GET /jobs/{id}.
func (h *handler) handleJobResult(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["id"]
	result, err := h.jobs.Result(request.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		sendJSON(writer, http.StatusNotFound, errorResponse{Error: "job not found"})
		return
	}
	if err != nil {
		logger.Log.Error("Failed to read job result", zap.String("job_id", id), zap.Error(err))
		sendJSON(writer, http.StatusInternalServerError, errorResponse{Error: "failed to read job result"})
		return
	}
	sendJSON(writer, http.StatusOK, result)
}

func (h *handler) handleStats(writer http.ResponseWriter, _ *http.Request) {
	sendJSON(writer, http.StatusOK, h.checker.Stats())
}

func (h *handler) handleHealth(writer http.ResponseWriter, request *http.Request) {
	depth, err := h.jobs.Length(request.Context())
	status := "OK"
	if err != nil {
		status = "DEGRADED"
	}
	health := struct {
		Status      string    `json:"status"`
		RecordCount int       `json:"record_count"`
		QueueDepth  int       `json:"queue_depth"`
		Workers     int       `json:"workers"`
		Uptime      string    `json:"uptime"`
		StartTime   time.Time `json:"start_time"`
	}{
		Status:      status,
		RecordCount: h.checker.Stats().RecordCount,
		QueueDepth:  depth,
		Workers:     h.numWorkers,
		Uptime:      time.Since(h.startTime).String(),
		StartTime:   h.startTime,
	}
	sendJSON(writer, http.StatusOK, health)
}

// Reads the fingerprint from a multipart "image" upload or a JSON body.
// On failure it returns the HTTP status to answer with.
func (h *handler) readFingerprint(writer http.ResponseWriter, request *http.Request) (fingerprint.Fingerprint, string, int, error) {
	request.Body = http.MaxBytesReader(writer, request.Body, maxUploadBytes)

	mediaType, _, _ := mime.ParseMediaType(request.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if h.extractor == nil {
			return fingerprint.Fingerprint{}, "", http.StatusUnsupportedMediaType,
				errors.New("image uploads are not supported for this fingerprint width")
		}
		file, header, err := request.FormFile("image")
		if err != nil {
			return fingerprint.Fingerprint{}, "", http.StatusBadRequest, errors.New("missing image file")
		}
		defer file.Close()
		fp, err := h.extractor.Extract(file)
		if err != nil {
			return fingerprint.Fingerprint{}, "", http.StatusBadRequest, err
		}
		source := request.FormValue("source")
		if source == "" {
			source = header.Filename
		}
		return fp, source, http.StatusOK, nil
	}

	var body checkRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		return fingerprint.Fingerprint{}, "", http.StatusBadRequest, errors.New("invalid JSON body")
	}
	if body.Fingerprint == "" {
		return fingerprint.Fingerprint{}, "", http.StatusBadRequest, errors.New("fingerprint is required")
	}
	fp, err := fingerprint.Parse(body.Fingerprint, h.width)
	if err != nil {
		return fingerprint.Fingerprint{}, "", http.StatusBadRequest, err
	}
	return fp, body.Source, http.StatusOK, nil
}

// Maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, deduper.ErrInvalidFingerprint):
		return http.StatusBadRequest
	case errors.Is(err, deduper.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func sendJSON(writer http.ResponseWriter, status int, data any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(data); err != nil {
		logger.Log.Warn("Failed to write response", zap.Error(err))
	}
}
