package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/alexnthnz/delivery-engine/internal/channels"
	"github.com/alexnthnz/delivery-engine/internal/monitoring"
	"github.com/alexnthnz/delivery-engine/internal/notification"
	"github.com/alexnthnz/delivery-engine/internal/queue"
)

// Dispatcher sends a record synchronously
type Dispatcher interface {
	Dispatch(ctx context.Context, record notification.Record) (*notification.DeliveryResult, error)
}

// Publisher enqueues a message for asynchronous delivery
type Publisher interface {
	PublishNotification(ctx context.Context, msg queue.NotificationMessage) error
}

// HealthReporter exposes push health
type HealthReporter interface {
	Health(now time.Time) channels.HealthReport
}

// Handler holds dependencies for REST API handlers
type Handler struct {
	dispatcher Dispatcher
	publisher  Publisher
	health     HealthReporter
	metrics    *monitoring.Metrics
	logger     *zap.Logger
	validator  *validator.Validate
	now        func() time.Time
}

// NewHandler creates a new REST API handler. publisher and health may be nil.
func NewHandler(
	dispatcher Dispatcher,
	publisher Publisher,
	health HealthReporter,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		dispatcher: dispatcher,
		publisher:  publisher,
		health:     health,
		metrics:    metrics,
		logger:     logger,
		validator:  validator.New(),
		now:        time.Now,
	}
}

// DeliveryRequest represents the request body for deliveries
type DeliveryRequest struct {
	ID           string         `json:"id,omitempty"`
	UserID       string         `json:"user_id" validate:"required"`
	Channel      string         `json:"channel" validate:"required,oneof=email sms push EMAIL SMS PUSH"`
	Recipient    string         `json:"recipient" validate:"required"`
	Subject      string         `json:"subject"`
	Message      string         `json:"message" validate:"required"`
	TemplateID   string         `json:"template_id" validate:"required"`
	TemplateData map[string]any `json:"template_data,omitempty"`
}

// DeliveryResponse is returned by the delivery endpoints
type DeliveryResponse struct {
	ID     string                       `json:"id"`
	Status string                       `json:"status"`
	Result *notification.DeliveryResult `json:"result,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error     string                       `json:"error"`
	Message   string                       `json:"message"`
	Code      int                          `json:"code"`
	ErrorCode string                       `json:"error_code,omitempty"`
	Retryable bool                         `json:"retryable"`
	Result    *notification.DeliveryResult `json:"result,omitempty"`
}

// CreateDelivery handles POST /api/v1/deliveries
func (h *Handler) CreateDelivery(w http.ResponseWriter, r *http.Request) {
	start := h.now()
	defer func() {
		h.metrics.RecordProcessingDuration("api", "create_delivery", time.Since(start).Seconds())
	}()

	record, ok := h.decodeRecord(w, r)
	if !ok {
		return
	}

	result, err := h.dispatcher.Dispatch(r.Context(), record)
	if err != nil {
		h.writeDeliveryError(w, record, err)
		return
	}

	h.writeJSON(w, http.StatusOK, DeliveryResponse{
		ID:     record.ID,
		Status: string(result.Status()),
		Result: result,
	})
}

// EnqueueNotification handles POST /api/v1/notifications
func (h *Handler) EnqueueNotification(w http.ResponseWriter, r *http.Request) {
	if h.publisher == nil {
		h.writeErrorResponse(w, "Queueing is not configured", http.StatusServiceUnavailable)
		return
	}

	record, ok := h.decodeRecord(w, r)
	if !ok {
		return
	}

	if err := h.publisher.PublishNotification(r.Context(), queue.FromRecord(record, 1)); err != nil {
		h.logger.Error("Failed to enqueue notification", zap.String("id", record.ID), zap.Error(err))
		h.writeErrorResponse(w, "Failed to enqueue notification", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Notification enqueued",
		zap.String("id", record.ID),
		zap.String("channel", string(record.Channel)),
	)
	h.writeJSON(w, http.StatusAccepted, DeliveryResponse{ID: record.ID, Status: string(notification.StatusPending)})
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":    channels.HealthHealthy,
		"timestamp": h.now().UTC(),
		"service":   "delivery-engine",
	}
	code := http.StatusOK

	if h.health != nil {
		report := h.health.Health(h.now())
		body["status"] = report.Status
		body["push"] = report
		if report.Status == channels.HealthUnhealthy {
			code = http.StatusServiceUnavailable
		}
	}

	h.writeJSON(w, code, body)
}

// Metrics handles GET /metrics (Prometheus metrics)
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.Handler().ServeHTTP(w, r)
}

func (h *Handler) decodeRecord(w http.ResponseWriter, r *http.Request) (notification.Record, bool) {
	var req DeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode request", zap.Error(err))
		h.writeErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return notification.Record{}, false
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("Request validation failed", zap.Error(err))
		h.writeErrorResponse(w, fmt.Sprintf("Validation error: %v", err), http.StatusBadRequest)
		return notification.Record{}, false
	}

	channel, err := notification.ParseChannel(req.Channel)
	if err != nil {
		h.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return notification.Record{}, false
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	return notification.Record{
		ID:           req.ID,
		UserID:       req.UserID,
		Channel:      channel,
		Recipient:    req.Recipient,
		Subject:      req.Subject,
		Message:      req.Message,
		TemplateID:   req.TemplateID,
		TemplateData: req.TemplateData,
	}, true
}

func (h *Handler) writeDeliveryError(w http.ResponseWriter, record notification.Record, err error) {
	resp := ErrorResponse{
		Message:   err.Error(),
		ErrorCode: notification.ErrorCode(err),
		Retryable: notification.IsRetryable(err),
	}

	var pushErr *notification.PushNotificationError
	switch {
	case errors.Is(err, notification.ErrValidation):
		resp.Code = http.StatusBadRequest
	case errors.As(err, &pushErr):
		resp.Code = http.StatusBadGateway
		resp.Result = pushErr.Result
	case resp.Retryable:
		resp.Code = http.StatusServiceUnavailable
	default:
		resp.Code = http.StatusBadGateway
	}
	resp.Error = http.StatusText(resp.Code)

	h.logger.Warn("Delivery failed",
		zap.String("id", record.ID),
		zap.String("channel", string(record.Channel)),
		zap.String("code", resp.ErrorCode),
		zap.Int("status", resp.Code),
	)
	h.writeJSON(w, resp.Code, resp)
}

// writeErrorResponse writes an error response
func (h *Handler) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	h.writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// SetupRoutes sets up all REST API routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	// API routes
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/deliveries", h.CreateDelivery).Methods(http.MethodPost)
	api.HandleFunc("/notifications", h.EnqueueNotification).Methods(http.MethodPost)

	// Health and metrics
	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	router.HandleFunc("/metrics", h.Metrics).Methods(http.MethodGet)

	router.Use(h.loggingMiddleware)

	return router
}

// loggingMiddleware logs HTTP requests
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a response recorder to capture status code
		recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(recorder, r)

		h.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", recorder.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// responseRecorder wraps http.ResponseWriter to capture status code
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
