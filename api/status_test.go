package api

import (
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/conveyhq/convey/app"
	"github.com/conveyhq/convey/db"
	"github.com/conveyhq/convey/testutil"
)

func TestGetDeliveryTaskStatus_NotFound(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	_, rdb := testutil.NewTestRedis(t)
	convey := testutil.NewTestApp(mockDB, rdb)

	id := testutil.NewUUID()
	mockDB.On("GetDeliveryTaskByID", mock.Anything, id).Return(db.DeliveryTask{}, pgx.ErrNoRows)

	req := testutil.NewJSONRequest(t, http.MethodGet, "/status/delivery_tasks/"+app.UuidToString(id), nil)
	req.SetPathValue("id", app.UuidToString(id))

	rec := callHandler(t, convey, getDeliveryTaskStatusHandler, req)
	testutil.AssertMessage(t, rec, http.StatusNotFound, "Delivery task not found")
}

func TestGetDeliveryTaskStatus_IncludesAttemptHistory(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	_, rdb := testutil.NewTestRedis(t)
	convey := testutil.NewTestApp(mockDB, rdb)

	task := testutil.NewDeliveryTask(func(task *db.DeliveryTask) {
		task.Status = db.TaskStatusRetrying
		task.AttemptsCount = 2
		task.LastHttpStatus = pgtype.Int4{Int32: 503, Valid: true}
		task.LastError = testutil.Text("Non-2xx status code: 503. Response: busy")
		task.LastAttemptAt = testutil.NewTimestamp()
		task.NextAttemptAt = testutil.NewTimestamp()
	})
	attempts := []db.DeliveryAttempt{
		testutil.NewDeliveryAttempt(func(a *db.DeliveryAttempt) {
			a.DeliveryTaskID = task.ID
			a.AttemptNumber = 1
			a.Outcome = db.OutcomeFailedAttempt
			a.HttpStatus = pgtype.Int4{Int32: 500, Valid: true}
		}),
		testutil.NewDeliveryAttempt(func(a *db.DeliveryAttempt) {
			a.DeliveryTaskID = task.ID
			a.AttemptNumber = 2
			a.Outcome = db.OutcomeFailedAttempt
			a.HttpStatus = pgtype.Int4{Int32: 503, Valid: true}
		}),
	}

	mockDB.On("GetDeliveryTaskByID", mock.Anything, task.ID).Return(task, nil)
	mockDB.On("ListAttemptsForTask", mock.Anything, task.ID).Return(attempts, nil)

	req := testutil.NewJSONRequest(t, http.MethodGet, "/status/delivery_tasks/"+app.UuidToString(task.ID), nil)
	req.SetPathValue("id", app.UuidToString(task.ID))

	rec := callHandler(t, convey, getDeliveryTaskStatusHandler, req)

	var resp DeliveryTaskStatusResponse
	testutil.AssertJSONResponse(t, rec, http.StatusOK, &resp)

	assert.Equal(t, app.UuidToString(task.ID), resp.ID)
	assert.Equal(t, db.TaskStatusRetrying, resp.Status)
	assert.Equal(t, int32(2), resp.AttemptsCount)
	require.NotNil(t, resp.LastHTTPStatus)
	assert.Equal(t, int32(503), *resp.LastHTTPStatus)
	require.NotNil(t, resp.NextAttemptAt)

	require.Len(t, resp.Attempts, 2)
	assert.Equal(t, int32(1), resp.Attempts[0].AttemptNumber)
	assert.Equal(t, int32(2), resp.Attempts[1].AttemptNumber)
	assert.Equal(t, db.OutcomeFailedAttempt, resp.Attempts[0].Outcome)
}

func TestGetDeliveryTaskStatus_PendingHasNullTimestamps(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	_, rdb := testutil.NewTestRedis(t)
	convey := testutil.NewTestApp(mockDB, rdb)

	task := testutil.NewDeliveryTask()
	mockDB.On("GetDeliveryTaskByID", mock.Anything, task.ID).Return(task, nil)
	mockDB.On("ListAttemptsForTask", mock.Anything, task.ID).Return([]db.DeliveryAttempt{}, nil)

	req := testutil.NewJSONRequest(t, http.MethodGet, "/status/delivery_tasks/"+app.UuidToString(task.ID), nil)
	req.SetPathValue("id", app.UuidToString(task.ID))

	rec := callHandler(t, convey, getDeliveryTaskStatusHandler, req)

	var resp DeliveryTaskStatusResponse
	testutil.AssertJSONResponse(t, rec, http.StatusOK, &resp)
	assert.Equal(t, db.TaskStatusPending, resp.Status)
	assert.Nil(t, resp.LastAttemptAt)
	assert.Nil(t, resp.NextAttemptAt)
	assert.Nil(t, resp.LastHTTPStatus)
	assert.Empty(t, resp.Attempts)
}

func TestListSubscriptionAttempts_SubscriptionMissing(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	_, rdb := testutil.NewTestRedis(t)
	convey := testutil.NewTestApp(mockDB, rdb)

	id := testutil.NewUUID()
	mockDB.On("GetSubscriptionByID", mock.Anything, id).Return(db.Subscription{}, pgx.ErrNoRows)

	req := testutil.NewJSONRequest(t, http.MethodGet, "/status/subscriptions/"+app.UuidToString(id)+"/attempts", nil)
	req.SetPathValue("id", app.UuidToString(id))

	rec := callHandler(t, convey, listSubscriptionAttemptsHandler, req)
	testutil.AssertMessage(t, rec, http.StatusNotFound, "Subscription not found")
	mockDB.AssertNotCalled(t, "ListRecentAttemptsForSubscription", mock.Anything, mock.Anything)
}

func TestListSubscriptionAttempts_ReturnsRecent(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	_, rdb := testutil.NewTestRedis(t)
	convey := testutil.NewTestApp(mockDB, rdb)

	sub := testutil.NewSubscription()
	attempts := []db.DeliveryAttempt{
		testutil.NewDeliveryAttempt(func(a *db.DeliveryAttempt) { a.AttemptNumber = 3 }),
		testutil.NewDeliveryAttempt(func(a *db.DeliveryAttempt) { a.AttemptNumber = 2 }),
	}

	mockDB.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, nil)
	mockDB.On("ListRecentAttemptsForSubscription", mock.Anything, db.ListRecentAttemptsForSubscriptionParams{
		SubscriptionID: sub.ID,
		Limit:          recentAttemptsLimit,
	}).Return(attempts, nil)

	req := testutil.NewJSONRequest(t, http.MethodGet, "/status/subscriptions/"+app.UuidToString(sub.ID)+"/attempts", nil)
	req.SetPathValue("id", app.UuidToString(sub.ID))

	rec := callHandler(t, convey, listSubscriptionAttemptsHandler, req)

	var resp []DeliveryAttemptResponse
	testutil.AssertJSONResponse(t, rec, http.StatusOK, &resp)
	require.Len(t, resp, 2)
	assert.Equal(t, int32(3), resp[0].AttemptNumber)
}
