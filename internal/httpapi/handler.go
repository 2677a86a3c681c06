package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"qms/token-service/internal/queue"
	"qms/token-service/internal/service"
	"qms/token-service/internal/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Handler struct {
	svc        *service.Service
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
	jwtSecret  string
	corsOrigin string
	rateLimit  RateLimitConfig
	health     func(context.Context) error
}

type Options struct {
	Logger     zerolog.Logger
	Metrics    *telemetry.Metrics
	JWTSecret  string
	CORSOrigin string
	RateLimit  RateLimitConfig
	// Health reports store reachability for /healthz.
	Health func(context.Context) error
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type ticketListResponse struct {
	DepartmentID int64                `json:"department_id,omitempty"`
	Date         string               `json:"date"`
	Tickets      []service.TicketView `json:"tickets"`
}

type approveResponse struct {
	Ticket  service.TicketView `json:"ticket"`
	Changed bool               `json:"changed"`
}

type callNextResponse struct {
	CalledTicket *service.TicketView `json:"called_ticket"`
}

func NewHandler(svc *service.Service, options Options) *Handler {
	corsOrigin := strings.TrimSpace(options.CORSOrigin)
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	return &Handler{
		svc:        svc,
		logger:     options.Logger,
		metrics:    options.Metrics,
		jwtSecret:  options.JWTSecret,
		corsOrigin: corsOrigin,
		rateLimit:  options.RateLimit,
		health:     options.Health,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(h.RequestLogger)
	r.Use(Recoverer(h.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{h.corsOrigin},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
	}))

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", h.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(ipLimit(h.rateLimit))
		r.Use(h.Authenticate)

		r.Route("/tickets", func(r chi.Router) {
			r.Post("/", h.handleCreateTicket)
			r.Route("/{ticketNo}", func(r chi.Router) {
				r.Get("/", h.handleGetTicket)
				r.Put("/cancel", h.handleCancelTicket)
				r.With(RequireStaff).Put("/approve", h.handleApprovePriority)
				r.With(RequireStaff).Put("/status", h.handleUpdateStatus)
			})
		})

		r.Route("/departments/{departmentID}", func(r chi.Router) {
			r.Use(RequireStaff)
			r.Use(departmentLimit(h.rateLimit))
			r.Get("/tickets", h.handleListTickets)
			r.Put("/call-next", h.handleCallNext)
			r.Get("/stats", h.handleDailyStats)
		})

		r.With(RequireAdmin).Get("/admin/tickets", h.handleAdminTickets)
	})

	return otelhttp.NewHandler(r, "token-service")
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req service.CreateTicketRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	view, created, err := h.svc.CreateTicket(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, view)
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetTicket(r.Context(), chi.URLParam(r, "ticketNo"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleCancelTicket(w http.ResponseWriter, r *http.Request) {
	actor := service.ActorPatient
	if claims, ok := claimsFromContext(r.Context()); ok {
		actor = claims.Actor()
	}
	ticket, err := h.svc.CancelTicket(r.Context(), chi.URLParam(r, "ticketNo"), actor)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, service.ViewOf(ticket))
}

func (h *Handler) handleApprovePriority(w http.ResponseWriter, r *http.Request) {
	ticketNo := chi.URLParam(r, "ticketNo")
	_, changed, err := h.svc.ApprovePriority(r.Context(), ticketNo, actorFromRequest(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	view, err := h.svc.GetTicket(r.Context(), ticketNo)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, approveResponse{Ticket: view, Changed: changed})
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ticket, err := h.svc.UpdateStatus(r.Context(), chi.URLParam(r, "ticketNo"), req.Status, actorFromRequest(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, service.ViewOf(ticket))
}

func (h *Handler) handleListTickets(w http.ResponseWriter, r *http.Request) {
	departmentID, date, ok := h.departmentAndDate(w, r)
	if !ok {
		return
	}
	views, err := h.svc.ListTickets(r.Context(), departmentID, date)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticketListResponse{
		DepartmentID: departmentID,
		Date:         queue.FormatDate(date),
		Tickets:      views,
	})
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	departmentID, date, ok := h.departmentAndDate(w, r)
	if !ok {
		return
	}
	ticket, found, err := h.svc.CallNext(r.Context(), departmentID, date, actorFromRequest(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	response := callNextResponse{}
	if found {
		view := service.ViewOf(ticket)
		response.CalledTicket = &view
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) handleDailyStats(w http.ResponseWriter, r *http.Request) {
	departmentID, date, ok := h.departmentAndDate(w, r)
	if !ok {
		return
	}
	stats, err := h.svc.DailyStats(r.Context(), departmentID, date)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleAdminTickets(w http.ResponseWriter, r *http.Request) {
	date, err := h.svc.ParseServiceDate(r.URL.Query().Get("date"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	views, err := h.svc.ListTicketsByDate(r.Context(), date)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticketListResponse{Date: queue.FormatDate(date), Tickets: views})
}

func (h *Handler) departmentAndDate(w http.ResponseWriter, r *http.Request) (int64, time.Time, bool) {
	departmentID, err := strconv.ParseInt(chi.URLParam(r, "departmentID"), 10, 64)
	if err != nil || departmentID <= 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "department id must be a positive integer", false)
		return 0, time.Time{}, false
	}
	date, err := h.svc.ParseServiceDate(r.URL.Query().Get("date"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return 0, time.Time{}, false
	}
	return departmentID, date, true
}

func actorFromRequest(r *http.Request) string {
	claims, _ := claimsFromContext(r.Context())
	return claims.Actor()
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", "invalid JSON payload", false)
		return false
	}
	return true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var svcErr *service.Error
	if !errors.As(err, &svcErr) {
		h.logger.Error().Err(err).Str("request_id", requestIDFromContext(r.Context())).Msg("unclassified error")
		writeError(w, r, http.StatusInternalServerError, "internal_error", "internal server error", false)
		return
	}
	if svcErr.Kind == service.KindStoreUnavailable {
		h.logger.Error().Err(err).Str("request_id", requestIDFromContext(r.Context())).Msg("store unavailable")
	}
	writeError(w, r, svcErr.HTTPStatus(), svcErr.Kind.String(), svcErr.Message, svcErr.Retryable())
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, retryable bool) {
	writeJSON(w, status, errorResponse{
		RequestID: requestIDFromContext(r.Context()),
		Error: responseError{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
