// Package approve реализует подтверждение оплаты подписки.
package approve

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/mkrivosheev/subscription-keeper/internal/http/response"
	"github.com/mkrivosheev/subscription-keeper/internal/lib/sl"
	subscriptionservice "github.com/mkrivosheev/subscription-keeper/internal/services/subscription"
	"github.com/mkrivosheev/subscription-keeper/internal/storage/repository"
)

type Request struct {
	UserUID string `json:"user_uid" validate:"required"`
	Amount  int    `json:"amount" validate:"required,gt=0"` // Сумма платежа, > 0
}

type Handler struct {
	log      *slog.Logger
	service  Service
	validate *validator.Validate
}

type Service interface {
	ApprovePayment(ctx context.Context, userUID string, amount int) (*time.Time, error)
}

func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		validate: validator.New(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.approve"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req Request
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		log.Error("failed to decode request body", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.Error("failed to decode request"))
		return
	}

	if err := h.validate.Struct(req); err != nil {
		log.Error("validation failed", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.ValidationError(err.(validator.ValidationErrors)))
		return
	}

	until, err := h.service.ApprovePayment(r.Context(), req.UserUID, req.Amount)
	switch {
	case errors.Is(err, subscriptionservice.ErrUserBanned):
		log.Info("user is banned", slog.String("user_uid", req.UserUID))
		w.WriteHeader(http.StatusForbidden)
		render.JSON(w, r, response.Error("user is banned"))
		return
	case errors.Is(err, repository.ErrUserNotFound):
		log.Info("user not found", slog.String("user_uid", req.UserUID))
		w.WriteHeader(http.StatusNotFound)
		render.JSON(w, r, response.Error("user not found"))
		return
	case err != nil:
		log.Error("failed to approve payment", sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error("could not approve payment"))
		return
	}

	log.Info("payment approved",
		slog.String("user_uid", req.UserUID),
		slog.Time("until", *until))
	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"user_uid":         req.UserUID,
		"subscribed_until": until,
	}))
}
