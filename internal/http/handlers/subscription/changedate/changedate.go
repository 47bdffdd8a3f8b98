// Package changedate реализует административный перенос даты окончания подписки.
package changedate

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
	NewDate string `json:"new_date" validate:"required,datetime=02-01-2006"` // Дата в формате 02-01-2006
}

type Handler struct {
	log      *slog.Logger
	service  Service
	validate *validator.Validate
}

type Service interface {
	ChangeSubscriptionUntilDate(ctx context.Context, userUID string, newDate time.Time) error
}

func New(log *slog.Logger, service Service) *Handler {
	validate := validator.New()
	// validator v9 не содержит встроенного тега datetime (появился в v10),
	// поэтому регистрируем его вручную с той же семантикой.
	_ = validate.RegisterValidation("datetime", func(fl validator.FieldLevel) bool {
		_, err := time.Parse(fl.Param(), fl.Field().String())
		return err == nil
	})
	return &Handler{
		log:      log,
		service:  service,
		validate: validate,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.changedate"

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

	newDate, err := time.Parse("02-01-2006", req.NewDate)
	if err != nil {
		log.Error("failed to parse new date", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid new date"))
		return
	}

	err = h.service.ChangeSubscriptionUntilDate(r.Context(), req.UserUID, newDate)
	switch {
	case errors.Is(err, subscriptionservice.ErrUserNotSubscribed):
		log.Info("user has no active subscription", slog.String("user_uid", req.UserUID))
		w.WriteHeader(http.StatusConflict)
		render.JSON(w, r, response.Error("user has no active subscription"))
		return
	case errors.Is(err, subscriptionservice.ErrDateMustBeInFuture):
		log.Info("date must be in the future", slog.String("user_uid", req.UserUID))
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.Error("date must be in the future"))
		return
	case errors.Is(err, repository.ErrUserNotFound):
		log.Info("user not found", slog.String("user_uid", req.UserUID))
		w.WriteHeader(http.StatusNotFound)
		render.JSON(w, r, response.Error("user not found"))
		return
	case err != nil:
		log.Error("failed to change until date", sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error("could not change subscription until date"))
		return
	}

	log.Info("subscription until date changed",
		slog.String("user_uid", req.UserUID),
		slog.String("new_date", req.NewDate))
	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"user_uid": req.UserUID,
		"new_date": req.NewDate,
	}))
}
