package referral

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mkrivosheev/subscription-keeper/internal/models"
	"github.com/mkrivosheev/subscription-keeper/internal/rabbitmq"
	"github.com/mkrivosheev/subscription-keeper/internal/storage/repository"
)

type InvitesMock struct{ mock.Mock }

func (m *InvitesMock) GetInvite(ctx context.Context, userUID string) (*models.ReferralInvite, error) {
	args := m.Called(ctx, userUID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ReferralInvite), args.Error(1)
}
func (m *InvitesMock) MarkInvitePaid(ctx context.Context, userUID string) error {
	return m.Called(ctx, userUID).Error(0)
}

// NotifierMock накапливает опубликованные уведомления по ключам маршрутизации.
type NotifierMock struct {
	mock.Mock
	published map[string][]models.PayoutNotice
}

func (m *NotifierMock) Notify(routingKey string, message any) error {
	args := m.Called(routingKey, message)
	if args.Error(0) == nil {
		if m.published == nil {
			m.published = make(map[string][]models.PayoutNotice)
		}
		m.published[routingKey] = append(m.published[routingKey], message.(models.PayoutNotice))
	}
	return args.Error(0)
}

func newTestService(t *testing.T) (*Service, *InvitesMock, *NotifierMock) {
	t.Helper()
	invites := &InvitesMock{}
	notifier := &NotifierMock{}
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	return New(invites, notifier, log), invites, notifier
}

func strPtr(s string) *string { return &s }

func TestPayout_FullChain(t *testing.T) {
	// A пригласил B, B пригласил C, C пригласил D. Платит D.
	svc, invites, notifier := newTestService(t)
	invites.On("GetInvite", mock.Anything, "D").
		Return(&models.ReferralInvite{UserUID: "D", CameFrom: strPtr("C")}, nil).Once()
	invites.On("MarkInvitePaid", mock.Anything, "D").Return(nil).Once()
	invites.On("GetInvite", mock.Anything, "C").
		Return(&models.ReferralInvite{UserUID: "C", CameFrom: strPtr("B")}, nil).Once()
	invites.On("GetInvite", mock.Anything, "B").
		Return(&models.ReferralInvite{UserUID: "B", CameFrom: strPtr("A")}, nil).Once()
	invites.On("GetInvite", mock.Anything, "A").
		Return(&models.ReferralInvite{UserUID: "A"}, nil).Maybe()
	notifier.On("Notify", mock.Anything, mock.Anything).Return(nil)

	err := svc.Payout(context.Background(), "D")
	require.NoError(t, err)

	expected := []models.PayoutNotice{
		{UserUID: "A", Referrals: []string{"B", "C", "D"}},
		{UserUID: "B", Referrals: []string{"C", "D"}},
		{UserUID: "C", Referrals: []string{"D"}},
	}
	assert.Equal(t, expected, notifier.published[rabbitmq.RoutingKeyPayout])
	assert.Equal(t, expected, notifier.published[rabbitmq.RoutingKeyPayoutAdmin])
	invites.AssertExpectations(t)
}

func TestPayout_ChainIsCappedAtFourNodes(t *testing.T) {
	// Цепочка длиннее лимита: платит E, обход останавливается на B.
	svc, invites, notifier := newTestService(t)
	invites.On("GetInvite", mock.Anything, "E").
		Return(&models.ReferralInvite{UserUID: "E", CameFrom: strPtr("D")}, nil).Once()
	invites.On("MarkInvitePaid", mock.Anything, "E").Return(nil).Once()
	invites.On("GetInvite", mock.Anything, "D").
		Return(&models.ReferralInvite{UserUID: "D", CameFrom: strPtr("C")}, nil).Once()
	invites.On("GetInvite", mock.Anything, "C").
		Return(&models.ReferralInvite{UserUID: "C", CameFrom: strPtr("B")}, nil).Once()
	invites.On("GetInvite", mock.Anything, "B").
		Return(&models.ReferralInvite{UserUID: "B", CameFrom: strPtr("A")}, nil).Once()
	notifier.On("Notify", mock.Anything, mock.Anything).Return(nil)

	err := svc.Payout(context.Background(), "E")
	require.NoError(t, err)

	require.Len(t, notifier.published[rabbitmq.RoutingKeyPayout], 3)
	assert.Equal(t, models.PayoutNotice{UserUID: "B", Referrals: []string{"C", "D", "E"}},
		notifier.published[rabbitmq.RoutingKeyPayout][0])
	invites.AssertNotCalled(t, "GetInvite", mock.Anything, "A")
}

func TestPayout_RootWithoutInviteRow(t *testing.T) {
	// У корня цепочки нет собственной записи приглашения, это не ошибка.
	svc, invites, notifier := newTestService(t)
	invites.On("GetInvite", mock.Anything, "B").
		Return(&models.ReferralInvite{UserUID: "B", CameFrom: strPtr("A")}, nil).Once()
	invites.On("MarkInvitePaid", mock.Anything, "B").Return(nil).Once()
	invites.On("GetInvite", mock.Anything, "A").
		Return(nil, repository.ErrInviteNotFound).Once()
	notifier.On("Notify", mock.Anything, mock.Anything).Return(nil)

	err := svc.Payout(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, []models.PayoutNotice{{UserUID: "A", Referrals: []string{"B"}}},
		notifier.published[rabbitmq.RoutingKeyPayout])
}

func TestPayout_NoInviteIsNoOp(t *testing.T) {
	svc, invites, notifier := newTestService(t)
	invites.On("GetInvite", mock.Anything, "X").
		Return(nil, repository.ErrInviteNotFound).Once()

	err := svc.Payout(context.Background(), "X")
	require.NoError(t, err)
	notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
	invites.AssertNotCalled(t, "MarkInvitePaid", mock.Anything, mock.Anything)
}

func TestPayout_AlreadyPaidIsIdempotent(t *testing.T) {
	svc, invites, notifier := newTestService(t)
	invites.On("GetInvite", mock.Anything, "D").
		Return(&models.ReferralInvite{UserUID: "D", CameFrom: strPtr("C"), Paid: true}, nil).Once()

	err := svc.Payout(context.Background(), "D")
	require.NoError(t, err)
	notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
	invites.AssertNotCalled(t, "MarkInvitePaid", mock.Anything, mock.Anything)
}

func TestPayout_PayerWithoutAncestors(t *testing.T) {
	// Плательщик без came_from: отмечаем оплату, уведомлять некого.
	svc, invites, notifier := newTestService(t)
	invites.On("GetInvite", mock.Anything, "D").
		Return(&models.ReferralInvite{UserUID: "D"}, nil).Once()
	invites.On("MarkInvitePaid", mock.Anything, "D").Return(nil).Once()

	err := svc.Payout(context.Background(), "D")
	require.NoError(t, err)
	notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
	invites.AssertExpectations(t)
}
