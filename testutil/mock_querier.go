package testutil

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/mock"

	"github.com/conveyhq/convey/db"
)

// MockQuerier is a testify mock implementation of db.Querier.
type MockQuerier struct {
	mock.Mock
}

var _ db.Querier = (*MockQuerier)(nil)

func (m *MockQuerier) CreateSubscription(ctx context.Context, arg db.CreateSubscriptionParams) (db.Subscription, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).(db.Subscription), args.Error(1)
}

func (m *MockQuerier) GetSubscriptionByID(ctx context.Context, id pgtype.UUID) (db.Subscription, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(db.Subscription), args.Error(1)
}

func (m *MockQuerier) ListSubscriptions(ctx context.Context) ([]db.Subscription, error) {
	args := m.Called(ctx)
	return args.Get(0).([]db.Subscription), args.Error(1)
}

func (m *MockQuerier) UpdateSubscription(ctx context.Context, arg db.UpdateSubscriptionParams) (db.Subscription, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).(db.Subscription), args.Error(1)
}

func (m *MockQuerier) DeleteSubscription(ctx context.Context, id pgtype.UUID) (int64, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockQuerier) CreateDeliveryTask(ctx context.Context, arg db.CreateDeliveryTaskParams) (db.DeliveryTask, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).(db.DeliveryTask), args.Error(1)
}

func (m *MockQuerier) GetDeliveryTaskByID(ctx context.Context, id pgtype.UUID) (db.DeliveryTask, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(db.DeliveryTask), args.Error(1)
}

func (m *MockQuerier) ClaimDeliveryTask(ctx context.Context, id pgtype.UUID) (db.DeliveryTask, bool, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(db.DeliveryTask), args.Get(1).(bool), args.Error(2)
}

func (m *MockQuerier) RecordAttempt(ctx context.Context, arg db.RecordAttemptParams) (db.DeliveryAttempt, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).(db.DeliveryAttempt), args.Error(1)
}

func (m *MockQuerier) ListAttemptsForTask(ctx context.Context, deliveryTaskID pgtype.UUID) ([]db.DeliveryAttempt, error) {
	args := m.Called(ctx, deliveryTaskID)
	return args.Get(0).([]db.DeliveryAttempt), args.Error(1)
}

func (m *MockQuerier) ListRecentAttemptsForSubscription(ctx context.Context, arg db.ListRecentAttemptsForSubscriptionParams) ([]db.DeliveryAttempt, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).([]db.DeliveryAttempt), args.Error(1)
}

func (m *MockQuerier) DeleteAttemptsBefore(ctx context.Context, arg db.DeleteBeforeParams) (int64, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockQuerier) DeleteTerminalTasksBefore(ctx context.Context, arg db.DeleteBeforeParams) (int64, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockQuerier) ListStalledTasks(ctx context.Context, arg db.ListStalledTasksParams) ([]db.DeliveryTask, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).([]db.DeliveryTask), args.Error(1)
}

func (m *MockQuerier) ResetTaskToPending(ctx context.Context, id pgtype.UUID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(bool), args.Error(1)
}
