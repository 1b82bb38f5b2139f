package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/conveyhq/convey/app"
	"github.com/conveyhq/convey/db"
	"github.com/conveyhq/convey/testutil"
)

// callHandler invokes an appHandler via routeHandler with the given app and request.
func callHandler(t *testing.T, convey *app.Application, handler appHandler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	routeHandler(convey, handler).ServeHTTP(rec, req)
	return rec
}

func newIngestRequest(t *testing.T, id string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/ingest/"+id, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.SetPathValue("id", id)
	return req
}

func TestIngest_RejectsNonJSON(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	_, rdb := testutil.NewTestRedis(t)
	convey := testutil.NewTestApp(mockDB, rdb)

	id := testutil.NewUUID()
	req := newIngestRequest(t, app.UuidToString(id), []byte(`{"x":1}`))
	req.Header.Set("Content-Type", "text/plain")

	rec := callHandler(t, convey, ingestHandler, req)
	testutil.AssertMessage(t, rec, http.StatusUnsupportedMediaType, "must be JSON")
}

func TestIngest_UnknownSubscription(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	_, rdb := testutil.NewTestRedis(t)
	convey := testutil.NewTestApp(mockDB, rdb)

	id := testutil.NewUUID()
	mockDB.On("GetSubscriptionByID", mock.Anything, id).Return(db.Subscription{}, pgx.ErrNoRows)

	req := newIngestRequest(t, app.UuidToString(id), []byte(`{"x":1}`))
	rec := callHandler(t, convey, ingestHandler, req)
	testutil.AssertMessage(t, rec, http.StatusNotFound, "Subscription not found")
}

func TestIngest_SignatureRequired(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	_, rdb := testutil.NewTestRedis(t)
	convey := testutil.NewTestApp(mockDB, rdb)

	sub := testutil.NewSubscription(func(s *db.Subscription) {
		s.Secret = testutil.Text("hook-secret")
	})
	mockDB.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, nil)

	req := newIngestRequest(t, app.UuidToString(sub.ID), []byte(`{"x":1}`))
	rec := callHandler(t, convey, ingestHandler, req)

	testutil.AssertMessage(t, rec, http.StatusUnauthorized, "Signature header missing")
	mockDB.AssertNotCalled(t, "CreateDeliveryTask", mock.Anything, mock.Anything)
}

func TestIngest_SignatureFormatRejected(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	_, rdb := testutil.NewTestRedis(t)
	convey := testutil.NewTestApp(mockDB, rdb)

	sub := testutil.NewSubscription(func(s *db.Subscription) {
		s.Secret = testutil.Text("hook-secret")
	})
	mockDB.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, nil)

	tests := []struct {
		name   string
		header string
		status int
		msg    string
	}{
		{"no separator", "deadbeef", http.StatusBadRequest, "Invalid signature header format"},
		{"wrong method", "sha1=deadbeef", http.StatusBadRequest, "Unsupported signature hash method"},
		{"wrong digest", "sha256=deadbeef", http.StatusUnauthorized, "Invalid signature"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := newIngestRequest(t, app.UuidToString(sub.ID), []byte(`{"x":1}`))
			req.Header.Set("X-Hub-Signature-256", tc.header)
			rec := callHandler(t, convey, ingestHandler, req)
			testutil.AssertMessage(t, rec, tc.status, tc.msg)
		})
	}
	mockDB.AssertNotCalled(t, "CreateDeliveryTask", mock.Anything, mock.Anything)
}

func TestIngest_TamperedBodyRejected(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	_, rdb := testutil.NewTestRedis(t)
	convey := testutil.NewTestApp(mockDB, rdb)

	sub := testutil.NewSubscription(func(s *db.Subscription) {
		s.Secret = testutil.Text("hook-secret")
	})
	mockDB.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, nil)

	body := []byte(`{"amount":100}`)
	signature := testutil.SignBody(body, "hook-secret")

	// Signed one body, sent another.
	req := newIngestRequest(t, app.UuidToString(sub.ID), []byte(`{"amount":999}`))
	req.Header.Set("X-Hub-Signature-256", signature)

	rec := callHandler(t, convey, ingestHandler, req)
	testutil.AssertMessage(t, rec, http.StatusUnauthorized, "Invalid signature")
}

func TestIngest_ValidSignatureQueuesTask(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	_, rdb := testutil.NewTestRedis(t)
	convey := testutil.NewTestApp(mockDB, rdb)

	sub := testutil.NewSubscription(func(s *db.Subscription) {
		s.Secret = testutil.Text("hook-secret")
	})
	task := testutil.NewDeliveryTask(func(task *db.DeliveryTask) {
		task.SubscriptionID = sub.ID
	})

	mockDB.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, nil)
	mockDB.On("CreateDeliveryTask", mock.Anything, mock.MatchedBy(func(arg db.CreateDeliveryTaskParams) bool {
		return arg.SubscriptionID == sub.ID && bytes.Equal(arg.Payload, []byte(`{"amount":100}`))
	})).Return(task, nil)

	body := []byte(`{"amount":100}`)
	req := newIngestRequest(t, app.UuidToString(sub.ID), body)
	req.Header.Set("X-Hub-Signature-256", testutil.SignBody(body, "hook-secret"))

	rec := callHandler(t, convey, ingestHandler, req)

	var resp IngestResponse
	testutil.AssertJSONResponse(t, rec, http.StatusAccepted, &resp)
	assert.Equal(t, app.UuidToString(task.ID), resp.TaskID)
	mockDB.AssertExpectations(t)

	// The task id must land on the delivery queue.
	msg, err := convey.Queue.Consume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, app.UuidToString(task.ID), msg.TaskID)
}

func TestIngest_NoSecretSkipsVerification(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	_, rdb := testutil.NewTestRedis(t)
	convey := testutil.NewTestApp(mockDB, rdb)

	sub := testutil.NewSubscription()
	task := testutil.NewDeliveryTask(func(task *db.DeliveryTask) {
		task.SubscriptionID = sub.ID
	})
	mockDB.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, nil)
	mockDB.On("CreateDeliveryTask", mock.Anything, mock.Anything).Return(task, nil)

	req := newIngestRequest(t, app.UuidToString(sub.ID), []byte(`{"x":1}`))
	rec := callHandler(t, convey, ingestHandler, req)

	var resp IngestResponse
	testutil.AssertJSONResponse(t, rec, http.StatusAccepted, &resp)
	assert.NotEmpty(t, resp.TaskID)
}

func TestIngest_EventTypeFiltered(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	_, rdb := testutil.NewTestRedis(t)
	convey := testutil.NewTestApp(mockDB, rdb)

	sub := testutil.NewSubscription(func(s *db.Subscription) {
		s.EventTypeFilter = testutil.Text("order.created")
	})
	mockDB.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, nil)

	req := newIngestRequest(t, app.UuidToString(sub.ID), []byte(`{"x":1}`))
	req.Header.Set("X-Event-Type", "order.deleted")

	rec := callHandler(t, convey, ingestHandler, req)
	testutil.AssertMessage(t, rec, http.StatusAccepted, "filtered")
	mockDB.AssertNotCalled(t, "CreateDeliveryTask", mock.Anything, mock.Anything)
}

func TestIngest_EventTypeHeaderMissingWithFilter(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	_, rdb := testutil.NewTestRedis(t)
	convey := testutil.NewTestApp(mockDB, rdb)

	sub := testutil.NewSubscription(func(s *db.Subscription) {
		s.EventTypeFilter = testutil.Text("order.created")
	})
	mockDB.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, nil)

	req := newIngestRequest(t, app.UuidToString(sub.ID), []byte(`{"x":1}`))
	rec := callHandler(t, convey, ingestHandler, req)

	testutil.AssertMessage(t, rec, http.StatusAccepted, "Delivery skipped")
	mockDB.AssertNotCalled(t, "CreateDeliveryTask", mock.Anything, mock.Anything)
}

func TestIngest_MatchingEventTypeDelivered(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	_, rdb := testutil.NewTestRedis(t)
	convey := testutil.NewTestApp(mockDB, rdb)

	sub := testutil.NewSubscription(func(s *db.Subscription) {
		s.EventTypeFilter = testutil.Text("order.created")
	})
	task := testutil.NewDeliveryTask(func(task *db.DeliveryTask) {
		task.SubscriptionID = sub.ID
	})
	mockDB.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, nil)
	mockDB.On("CreateDeliveryTask", mock.Anything, mock.Anything).Return(task, nil)

	req := newIngestRequest(t, app.UuidToString(sub.ID), []byte(`{"x":1}`))
	req.Header.Set("X-Event-Type", "order.created")

	rec := callHandler(t, convey, ingestHandler, req)

	var resp IngestResponse
	testutil.AssertJSONResponse(t, rec, http.StatusAccepted, &resp)
	assert.Equal(t, app.UuidToString(task.ID), resp.TaskID)
}
