package inventory

import (
	"context"
	"testing"

	"example.com/backstage/services/orders/internal/retry"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockSender is a mock implementation of messaging.Sender
type MockSender struct {
	mock.Mock
}

func (m *MockSender) SendMessage(ctx context.Context, messageID string, body interface{}) error {
	args := m.Called(ctx, messageID, body)
	return args.Error(0)
}

func (m *MockSender) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func TestServiceBusReserver_SendsReservation(t *testing.T) {
	sender := new(MockSender)
	sender.On("SendMessage", mock.Anything, "reserve-ord-1", mock.MatchedBy(func(req ReservationRequest) bool {
		return req.OrderID == "ord-1" && !req.RequestedAt.IsZero()
	})).Return(nil).Once()

	require.NoError(t, NewServiceBusReserver(sender).ReserveStock(context.Background(), "ord-1"))
	sender.AssertExpectations(t)
}

func TestServiceBusReserver_PropagatesFailure(t *testing.T) {
	sender := new(MockSender)
	sender.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("amqp link detached"))

	err := NewServiceBusReserver(sender).ReserveStock(context.Background(), "ord-1")
	assert.Error(t, err)

	sender.AssertNumberOfCalls(t, "SendMessage", 1)
}

func TestServiceBusReserver_MissingOrderIDIsNotRetried(t *testing.T) {
	sender := new(MockSender)
	reserver := NewServiceBusReserver(sender)

	attempts := 0
	err := retry.Do(context.Background(), retry.Fixed(3, 0), func(ctx context.Context, attempt int) error {
		attempts++
		return reserver.ReserveStock(ctx, "")
	})
	assert.True(t, errors.Is(err, ErrMissingOrderID))
	assert.Equal(t, 1, attempts)
	sender.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestScriptedReserver(t *testing.T) {
	ctx := context.Background()
	r := NewScriptedReserver()
	r.FailNext("ord-1", 2)

	assert.Equal(t, ErrScriptedFailure, r.ReserveStock(ctx, "ord-1"))
	assert.Equal(t, ErrScriptedFailure, r.ReserveStock(ctx, "ord-1"))
	assert.NoError(t, r.ReserveStock(ctx, "ord-1"))

	r.FailAll(true)
	assert.Equal(t, ErrScriptedFailure, r.ReserveStock(ctx, "ord-2"))

	assert.Equal(t, 3, r.Calls("ord-1"))
	assert.Equal(t, 4, r.TotalCalls())
}
