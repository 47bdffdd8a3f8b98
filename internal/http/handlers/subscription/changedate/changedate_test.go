package changedate_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkrivosheev/subscription-keeper/internal/http/handlers/subscription/changedate"
	"github.com/mkrivosheev/subscription-keeper/internal/http/response"
	subscriptionservice "github.com/mkrivosheev/subscription-keeper/internal/services/subscription"
	"github.com/mkrivosheev/subscription-keeper/internal/storage/repository"
)

type mockService struct {
	ChangeFunc func(ctx context.Context, userUID string, newDate time.Time) error
}

func (m *mockService) ChangeSubscriptionUntilDate(ctx context.Context, userUID string, newDate time.Time) error {
	return m.ChangeFunc(ctx, userUID, newDate)
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }

func makeLogger() *slog.Logger {
	return slog.New(discardHandler{})
}

func TestChangeDateHandler(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		service := &mockService{
			ChangeFunc: func(ctx context.Context, userUID string, newDate time.Time) error {
				require.Equal(t, "user-1", userUID)
				require.Equal(t, time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC), newDate)
				return nil
			},
		}

		body := []byte(`{"user_uid":"user-1","new_date":"31-12-2026"}`)
		req := httptest.NewRequest(http.MethodPost, "/subscriptions/change-date", bytes.NewReader(body))
		w := httptest.NewRecorder()

		changedate.New(makeLogger(), service).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp response.Response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, response.StatusOK, resp.Status)
		assert.Equal(t, "user-1", resp.Data.(map[string]any)["user_uid"])
	})

	t.Run("invalid JSON", func(t *testing.T) {
		service := &mockService{
			ChangeFunc: func(ctx context.Context, userUID string, newDate time.Time) error {
				t.Fatal("service should not be called on invalid JSON")
				return nil
			},
		}

		req := httptest.NewRequest(http.MethodPost, "/subscriptions/change-date", bytes.NewReader([]byte("{bad json")))
		w := httptest.NewRecorder()

		changedate.New(makeLogger(), service).ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "failed to decode request")
	})

	t.Run("bad date format", func(t *testing.T) {
		service := &mockService{
			ChangeFunc: func(ctx context.Context, userUID string, newDate time.Time) error {
				t.Fatal("service should not be called on validation error")
				return nil
			},
		}

		body := []byte(`{"user_uid":"user-1","new_date":"2026-12-31"}`)
		req := httptest.NewRequest(http.MethodPost, "/subscriptions/change-date", bytes.NewReader(body))
		w := httptest.NewRecorder()

		changedate.New(makeLogger(), service).ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "NewDate")
	})

	t.Run("service errors map to statuses", func(t *testing.T) {
		tests := []struct {
			name       string
			serviceErr error
			wantCode   int
			wantError  string
		}{
			{
				name:       "not subscribed",
				serviceErr: subscriptionservice.ErrUserNotSubscribed,
				wantCode:   http.StatusConflict,
				wantError:  "user has no active subscription",
			},
			{
				name:       "date in the past",
				serviceErr: subscriptionservice.ErrDateMustBeInFuture,
				wantCode:   http.StatusBadRequest,
				wantError:  "date must be in the future",
			},
			{
				name:       "unknown user",
				serviceErr: repository.ErrUserNotFound,
				wantCode:   http.StatusNotFound,
				wantError:  "user not found",
			},
			{
				name:       "storage failure",
				serviceErr: errors.New("connection reset"),
				wantCode:   http.StatusInternalServerError,
				wantError:  "could not change subscription until date",
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				service := &mockService{
					ChangeFunc: func(ctx context.Context, userUID string, newDate time.Time) error {
						return tt.serviceErr
					},
				}

				body := []byte(`{"user_uid":"user-1","new_date":"31-12-2026"}`)
				req := httptest.NewRequest(http.MethodPost, "/subscriptions/change-date", bytes.NewReader(body))
				w := httptest.NewRecorder()

				changedate.New(makeLogger(), service).ServeHTTP(w, req)

				assert.Equal(t, tt.wantCode, w.Code)
				var resp response.Response
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Equal(t, response.StatusError, resp.Status)
				assert.Equal(t, tt.wantError, resp.Error)
			})
		}
	})
}
