// Package admin exposes the verification operations over an authenticated
// HTTP API, mirroring the verify_admin command set for operators and
// automation that live outside the chat surface.
package admin

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/luhack/gatekeeper/internal/platform/httpx"
	"github.com/luhack/gatekeeper/internal/verify"
	"github.com/luhack/gatekeeper/jobs"
)

// apiActor is the audit identity recorded for API-driven changes, which have
// no chat invoker behind them.
const apiActor int64 = 0

// Handler wires the admin HTTP endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *verify.Service
	queue     *jobs.Client
	apiToken  string
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *verify.Service, queue *jobs.Client, apiToken string) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		queue:     queue,
		apiToken:  apiToken,
		validator: validator.New(),
	}
}

// MountRoutes registers admin routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(h.requireToken)
	r.Post("/verifications", h.manualVerify)
	r.Get("/users/{discordID}", h.userInfo)
	r.Delete("/users/{discordID}", h.unverify)
	r.Post("/users/{discordID}/flag", h.flagInactive)
	r.Post("/sweeps", h.triggerSweep)
}

// requireToken gates every admin route behind the shared API token.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := httpx.BearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.apiToken)) != 1 {
			h.logger.Warn("admin api auth failed", slog.String("path", r.URL.Path))
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type manualVerifyRequest struct {
	DiscordID int64  `json:"discord_id" validate:"required"`
	Email     string `json:"email" validate:"required,email"`
}

func (h *Handler) manualVerify(w http.ResponseWriter, r *http.Request) {
	var req manualVerifyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.ManualGrant(r.Context(), apiActor, req.DiscordID, req.Email); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"discord_id": req.DiscordID})
}

type userResponse struct {
	DiscordID    int64      `json:"discord_id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	VerifiedAt   time.Time  `json:"verified_at"`
	LastActivity time.Time  `json:"last_activity"`
	FlaggedAt    *time.Time `json:"flagged_at,omitempty"`
}

func (h *Handler) userInfo(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}
	user, err := h.service.UserInfo(r.Context(), identity)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, userResponse{
		DiscordID:    user.DiscordID,
		Username:     user.Username,
		Email:        user.Email,
		VerifiedAt:   user.VerifiedAt,
		LastActivity: user.LastActivity,
		FlaggedAt:    user.FlaggedForRemoval,
	})
}

func (h *Handler) unverify(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}
	if err := h.service.Unverify(r.Context(), apiActor, identity); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) flagInactive(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}
	if err := h.service.FlagInactive(r.Context(), apiActor, identity); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sweepRequest struct {
	Kind string `json:"kind" validate:"required,oneof=repair sweep"`
}

// triggerSweep enqueues an out-of-schedule reconciliation pass.
func (h *Handler) triggerSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	var err error
	switch req.Kind {
	case "repair":
		_, err = h.queue.EnqueueRosterRepair(r.Context(), "admin api")
	case "sweep":
		_, err = h.queue.EnqueueMemberSweep(r.Context(), "admin api")
	}
	if err != nil {
		h.logger.Error("sweep enqueue failed", slog.String("kind", req.Kind), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{"kind": req.Kind})
}

func (h *Handler) pathIdentity(w http.ResponseWriter, r *http.Request) (int64, bool) {
	identity, err := strconv.ParseInt(chi.URLParam(r, "discordID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "discordID must be a numeric snowflake")
		return 0, false
	}
	return identity, true
}
