package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/subgate/pkg/billing"
	stripebilling "github.com/mihaimyh/subgate/pkg/billing/stripe"
	"github.com/mihaimyh/subgate/pkg/subgate"
)

const (
	statusFree          = "free"
	maxUserIDLen        = 255
	maxBodyBytes        = 64 * 1024
	nearLimitThreshold  = 5
	defaultPortalTarget = "/dashboard"
)

// Handler provides HTTP endpoints for feature access, checkout and the billing portal
type Handler struct {
	config   Config
	validate *validator.Validate
	logger   subgate.Logger
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := config.Logger
	if logger == nil {
		logger = &subgate.NoopLogger{}
	}
	return &Handler{
		config:   config,
		validate: validator.New(),
		logger:   logger,
	}, nil
}

// Routes returns a chi router with every endpoint mounted
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/features", h.GetFeatures)
	r.Get("/projects/{projectID}/branding", h.GetProjectBranding)
	r.Get("/projects/{projectID}/leads/limit", h.GetLeadLimit)

	if h.config.Billing != nil {
		r.Post("/checkout", h.CreateCheckout)
		r.Post("/portal", h.CreatePortal)
		r.Method(http.MethodPost, "/webhooks/stripe", h.config.Billing.WebhookHandler())
	}
	return r
}

// userID extracts and checks the caller; it writes the error response when it returns "".
func (h *Handler) userID(w http.ResponseWriter, r *http.Request) string {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return ""
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return ""
	}
	return userID
}

// GetFeatures returns the caller's subscription state and resolved features
func (h *Handler) GetFeatures(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := h.userID(w, r)
	if userID == "" {
		return
	}

	session, err := h.config.Evaluator.ResolveSession(ctx, userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	features, err := h.config.Evaluator.Features(ctx, session)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	response := FeaturesResponse{
		UserID:            userID,
		Status:            statusFree,
		PriceID:           session.PriceID,
		IsPro:             session.IsPro(),
		CancelAtPeriodEnd: session.HasScheduledCancellation(),
		Features:          make(map[string]FeatureState, len(features)),
	}
	if session.Subscription != nil {
		response.Status = string(session.Subscription.Status)
		response.PlanID = session.Subscription.PlanID
	}
	for name, limit := range features {
		response.Features[name] = FeatureState{Enabled: limit.Enabled(), Limit: limit}
	}

	writeJSON(w, http.StatusOK, response)
}

// GetProjectBranding reports whether the project owner's plan allows hiding the badge
func (h *Handler) GetProjectBranding(w http.ResponseWriter, r *http.Request) {
	decision, err := h.config.Evaluator.ProjectBranding(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BrandingResponse{
		CanRemoveBranding: decision.Allowed,
		Reason:            decision.Reason,
	})
}

// GetLeadLimit reports whether the project may collect another lead
func (h *Handler) GetLeadLimit(w http.ResponseWriter, r *http.Request) {
	d, err := h.config.Evaluator.ProjectEmailCollection(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LimitResponse{
		Feature:      d.Feature,
		Allowed:      d.Allowed,
		Limit:        d.Limit,
		Usage:        d.Usage,
		Remaining:    d.Remaining,
		NearLimit:    d.NearLimit(nearLimitThreshold),
		UsagePercent: d.UsagePercent(),
	})
}

// CreateCheckout starts a Stripe Checkout session for the caller
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(w, r)
	if userID == "" {
		return
	}

	var body CheckoutRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(body); err != nil {
		h.handleError(w, r, validationError(err), http.StatusBadRequest)
		return
	}

	session, err := h.config.Billing.CheckoutURL(r.Context(), stripebilling.CheckoutRequest{
		UserID:     userID,
		Email:      body.Email,
		FullName:   body.FullName,
		PriceID:    body.PriceID,
		SuccessURL: body.SuccessURL,
		CancelURL:  body.CancelURL,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// CreatePortal opens the Stripe billing portal; ?redirect= picks the return path
func (h *Handler) CreatePortal(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(w, r)
	if userID == "" {
		return
	}

	redirect := r.URL.Query().Get("redirect")
	if redirect == "" {
		redirect = defaultPortalTarget
	}
	// Only same-site paths; "//host" would be protocol-relative.
	if !strings.HasPrefix(redirect, "/") || strings.HasPrefix(redirect, "//") {
		h.handleError(w, r, fmt.Errorf("redirect must be a relative path"), http.StatusBadRequest)
		return
	}

	url, err := h.config.Billing.PortalURL(r.Context(), userID, strings.TrimSuffix(h.config.BaseURL, "/")+redirect)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PortalResponse{PortalURL: url})
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid request: %s", strings.Join(fields, ", "))
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, subgate.ErrInvalidUserID),
		errors.Is(err, billing.ErrInvalidPrice):
		return http.StatusBadRequest
	case errors.Is(err, subgate.ErrProjectNotFound),
		errors.Is(err, billing.ErrCustomerNotFound):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrAlreadySubscribed):
		return http.StatusConflict
	case errors.Is(err, subgate.ErrProjectsUnavailable):
		return http.StatusNotImplemented
	case errors.Is(err, billing.ErrProviderAPIError):
		return http.StatusBadGateway
	case errors.Is(err, subgate.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("API request failed",
			subgate.F("path", r.URL.Path),
			subgate.F("status", status),
			subgate.F("error", err.Error()),
		)
	}
	h.handleError(w, r, err, status)
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	message := err.Error()
	// Internal details stay in the log.
	if statusCode >= http.StatusInternalServerError {
		message = http.StatusText(statusCode)
	}
	writeJSON(w, statusCode, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Response already sent
		_ = err
	}
}
