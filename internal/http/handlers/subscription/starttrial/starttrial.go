// Package starttrial реализует обработчик запуска пробного периода.
package starttrial

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/mkrivosheev/subscription-keeper/internal/http/response"
	"github.com/mkrivosheev/subscription-keeper/internal/lib/sl"
	"github.com/mkrivosheev/subscription-keeper/internal/models"
	subscriptionservice "github.com/mkrivosheev/subscription-keeper/internal/services/subscription"
	"github.com/mkrivosheev/subscription-keeper/internal/storage/repository"
)

type Request struct {
	UserUID string `json:"user_uid" validate:"required"`
}

type Handler struct {
	log      *slog.Logger
	service  Service
	validate *validator.Validate
}

type Service interface {
	StartTrial(ctx context.Context, userUID string) (*models.User, error)
}

func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		validate: validator.New(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.starttrial"

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

	user, err := h.service.StartTrial(r.Context(), req.UserUID)
	switch {
	case errors.Is(err, subscriptionservice.ErrAlreadyStartedTrial):
		log.Info("trial already started", slog.String("user_uid", req.UserUID))
		w.WriteHeader(http.StatusConflict)
		render.JSON(w, r, response.Error("trial already started"))
		return
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
		log.Error("failed to start trial", sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error("could not start trial"))
		return
	}

	log.Info("trial started", slog.String("user_uid", req.UserUID))
	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"status":           user.Status,
		"subscribed_until": user.SubscribedUntil,
	}))
}
