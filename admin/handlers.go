package admin

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"mailq/internal/email"
	"mailq/queue"
	"mailq/ratelimit"
)

const maxBodyBytes = 1 << 20

// Queue is the part of queue.Manager the handlers use.
type Queue interface {
	Enqueue(ctx context.Context, msg queue.Message, maxRetries int) string
	Status() queue.Snapshot
}

// UsageReporter exposes rate limiter counters.
type UsageReporter interface {
	Usage() ratelimit.Usage
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	queue   Queue
	limiter UsageReporter
	logger  *zap.Logger
}

// New creates a new Handler. limiter may be nil.
func New(q Queue, limiter UsageReporter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{queue: q, limiter: limiter, logger: logger}
}

// Routes returns the chi router for the admin surface.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", expvar.Handler())
	r.Get("/queue", h.QueueStatus)
	r.Post("/messages", h.Enqueue)
	return r
}

// Healthz handles GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type statusResp struct {
	queue.Snapshot
	RateLimit *ratelimit.Usage `json:"rate_limit,omitempty"`
}

// QueueStatus handles GET /queue
func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResp{Snapshot: h.queue.Status()}
	if h.limiter != nil {
		usage := h.limiter.Usage()
		resp.RateLimit = &usage
	}
	jsonOK(w, http.StatusOK, resp)
}

type enqueueReq struct {
	Channel    string            `json:"channel"`
	To         string            `json:"to"`
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	TemplateID string            `json:"template_id"`
	Variables  map[string]string `json:"variables"`
	MaxRetries int               `json:"max_retries"`
}

type enqueueResp struct {
	ID string `json:"id"`
}

// Enqueue handles POST /messages
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	msg, err := req.message()
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := h.queue.Enqueue(r.Context(), msg, req.MaxRetries)
	jsonOK(w, http.StatusAccepted, enqueueResp{ID: id})
}

func (req enqueueReq) message() (queue.Message, error) {
	msg := queue.Message{
		Channel:    queue.Channel(strings.ToLower(strings.TrimSpace(req.Channel))),
		To:         strings.TrimSpace(req.To),
		Subject:    req.Subject,
		Body:       req.Body,
		TemplateID: strings.TrimSpace(req.TemplateID),
		Variables:  req.Variables,
	}
	if msg.To == "" {
		return msg, errors.New("to is required")
	}
	if req.MaxRetries < 0 {
		return msg, errors.New("max_retries must not be negative")
	}
	switch msg.ChannelOrDefault() {
	case queue.ChannelEmail:
		if _, err := email.ParseAddress(msg.To); err != nil {
			return msg, err
		}
	case queue.ChannelSMS:
	default:
		return msg, errors.New("channel must be email or sms")
	}
	return msg, nil
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("HTTP request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

func jsonOK(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
