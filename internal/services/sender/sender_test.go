package sender

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mkrivosheev/subscription-keeper/internal/lib/smtp"
	"github.com/mkrivosheev/subscription-keeper/internal/models"
	"github.com/mkrivosheev/subscription-keeper/internal/storage/repository"
)

type TransportMock struct{ mock.Mock }

func (m *TransportMock) Connect() (smtp.Client, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(smtp.Client), args.Error(1)
}
func (m *TransportMock) GetSMTPUser() string {
	return m.Called().String(0)
}

// ClientMock записывает собранное письмо в buf.
type ClientMock struct {
	mock.Mock
	buf bytes.Buffer
}

func (m *ClientMock) Mail(from string) error { return m.Called(from).Error(0) }
func (m *ClientMock) Rcpt(to string) error   { return m.Called(to).Error(0) }
func (m *ClientMock) Data() (io.WriteCloser, error) {
	args := m.Called()
	return nopWriteCloser{&m.buf}, args.Error(0)
}
func (m *ClientMock) Quit() error  { return m.Called().Error(0) }
func (m *ClientMock) Close() error { return m.Called().Error(0) }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type UsersMock struct{ mock.Mock }

func (m *UsersMock) GetUser(ctx context.Context, userUID string) (*models.User, error) {
	args := m.Called(ctx, userUID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func newTestSender(t *testing.T) (*SenderService, *TransportMock, *ClientMock, *UsersMock) {
	t.Helper()
	transport := &TransportMock{}
	client := &ClientMock{}
	users := &UsersMock{}
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	svc := NewSenderService(transport, users, "admin@example.com", log)
	return svc, transport, client, users
}

func expectDelivery(transport *TransportMock, client *ClientMock, rcpt string) {
	transport.On("GetSMTPUser").Return("noreply@example.com")
	transport.On("Connect").Return(client, nil).Once()
	client.On("Mail", "noreply@example.com").Return(nil).Once()
	client.On("Rcpt", rcpt).Return(nil).Once()
	client.On("Data").Return(nil).Once()
	client.On("Quit").Return(nil).Once()
	client.On("Close").Return(nil).Once()
}

func TestSendExpiringNotice(t *testing.T) {
	svc, transport, client, users := newTestSender(t)
	users.On("GetUser", mock.Anything, "user-1").
		Return(&models.User{UID: "user-1", Email: "user@example.com"}, nil).Once()
	expectDelivery(transport, client, "user@example.com")

	body := []byte(`{"user_uid":"user-1","until":"03.09.2026 12:00","days_left":3}`)
	err := svc.SendExpiringNotice(context.Background(), body)
	require.NoError(t, err)

	letter := client.buf.String()
	assert.Contains(t, letter, "To: user@example.com")
	assert.Contains(t, letter, "03.09.2026 12:00")
	assert.Contains(t, letter, "осталось дней: 3")
	client.AssertExpectations(t)
}

func TestSendExpiringNotice_ForwardsContext(t *testing.T) {
	svc, transport, client, users := newTestSender(t)

	type ctxKey struct{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "marker")
	users.On("GetUser", mock.MatchedBy(func(c context.Context) bool {
		return c.Value(ctxKey{}) == "marker"
	}), "user-1").Return(&models.User{UID: "user-1", Email: "user@example.com"}, nil).Once()
	expectDelivery(transport, client, "user@example.com")

	err := svc.SendExpiringNotice(ctx, []byte(`{"user_uid":"user-1"}`))
	require.NoError(t, err)
	users.AssertExpectations(t)
}

func TestSendEndedNotice(t *testing.T) {
	svc, transport, client, users := newTestSender(t)
	users.On("GetUser", mock.Anything, "user-1").
		Return(&models.User{UID: "user-1", Email: "user@example.com"}, nil).Once()
	expectDelivery(transport, client, "user@example.com")

	err := svc.SendEndedNotice(context.Background(), []byte(`{"user_uid":"user-1","until":"31.08.2026 10:00"}`))
	require.NoError(t, err)
	assert.Contains(t, client.buf.String(), "Подписка закончилась")
}

func TestSendPayoutNotice(t *testing.T) {
	svc, transport, client, users := newTestSender(t)
	users.On("GetUser", mock.Anything, "A").
		Return(&models.User{UID: "A", Email: "a@example.com"}, nil).Once()
	expectDelivery(transport, client, "a@example.com")

	err := svc.SendPayoutNotice(context.Background(), []byte(`{"user_uid":"A","referrals":["B","C","D"]}`))
	require.NoError(t, err)
	assert.Contains(t, client.buf.String(), "B, C, D")
}

func TestSendAdminPayoutNotice_GoesToAdmin(t *testing.T) {
	svc, transport, client, users := newTestSender(t)
	expectDelivery(transport, client, "admin@example.com")

	err := svc.SendAdminPayoutNotice(context.Background(), []byte(`{"user_uid":"A","referrals":["B"]}`))
	require.NoError(t, err)
	assert.Contains(t, client.buf.String(), "Пользователь: A")
	users.AssertNotCalled(t, "GetUser", mock.Anything, mock.Anything)
}

func TestSendExpiringNotice_Failures(t *testing.T) {
	t.Run("malformed body", func(t *testing.T) {
		svc, _, _, users := newTestSender(t)

		err := svc.SendExpiringNotice(context.Background(), []byte(`{broken`))
		assert.Error(t, err)
		users.AssertNotCalled(t, "GetUser", mock.Anything, mock.Anything)
	})

	t.Run("unknown user", func(t *testing.T) {
		svc, transport, _, users := newTestSender(t)
		users.On("GetUser", mock.Anything, "ghost").
			Return(nil, repository.ErrUserNotFound).Once()

		err := svc.SendExpiringNotice(context.Background(), []byte(`{"user_uid":"ghost"}`))
		assert.ErrorIs(t, err, repository.ErrUserNotFound)
		transport.AssertNotCalled(t, "Connect")
	})

	t.Run("user without email", func(t *testing.T) {
		svc, transport, _, users := newTestSender(t)
		users.On("GetUser", mock.Anything, "user-1").
			Return(&models.User{UID: "user-1"}, nil).Once()

		err := svc.SendExpiringNotice(context.Background(), []byte(`{"user_uid":"user-1"}`))
		assert.Error(t, err)
		transport.AssertNotCalled(t, "Connect")
	})
}
