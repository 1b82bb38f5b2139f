package api

import (
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/conveyhq/convey/app"
	"github.com/conveyhq/convey/db"
)

func init() {
	registerRoute(func(convey *app.Application, router *http.ServeMux) {
		router.Handle("GET /status/delivery_tasks/{id}", routeHandler(convey, getDeliveryTaskStatusHandler))
		router.Handle("GET /status/subscriptions/{id}/attempts", routeHandler(convey, listSubscriptionAttemptsHandler))
	})
}

// recentAttemptsLimit caps the per-subscription attempt listing.
const recentAttemptsLimit = 20

type DeliveryAttemptResponse struct {
	ID            string    `json:"id"`
	AttemptNumber int32     `json:"attempt_number"`
	Timestamp     time.Time `json:"timestamp"`
	Outcome       string    `json:"outcome"`
	HTTPStatus    *int32    `json:"http_status"`
	ErrorDetails  *string   `json:"error_details"`
}

type DeliveryTaskStatusResponse struct {
	ID             string                    `json:"id"`
	SubscriptionID string                    `json:"subscription_id"`
	Status         string                    `json:"status"`
	CreatedAt      time.Time                 `json:"created_at"`
	LastAttemptAt  *time.Time                `json:"last_attempt_at"`
	NextAttemptAt  *time.Time                `json:"next_attempt_at"`
	AttemptsCount  int32                     `json:"attempts_count"`
	LastHTTPStatus *int32                    `json:"last_http_status"`
	LastError      *string                   `json:"last_error"`
	Attempts       []DeliveryAttemptResponse `json:"attempts"`
}

func getDeliveryTaskStatusHandler(convey *app.Application, w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	task, err := convey.DB.GetDeliveryTaskByID(r.Context(), id)
	if err != nil {
		if app.IsNoRows(err) {
			writeMessage(w, http.StatusNotFound, "Delivery task not found")
			return
		}
		log(r.Context()).Error("Failed to load delivery task", "error", err)
		writeMessage(w, http.StatusInternalServerError, "An internal error occurred")
		return
	}

	attempts, err := convey.DB.ListAttemptsForTask(r.Context(), id)
	if err != nil {
		log(r.Context()).Error("Failed to load delivery attempts", "error", err)
		writeMessage(w, http.StatusInternalServerError, "An internal error occurred")
		return
	}

	response := DeliveryTaskStatusResponse{
		ID:             app.UuidToString(task.ID),
		SubscriptionID: app.UuidToString(task.SubscriptionID),
		Status:         task.Status,
		CreatedAt:      task.CreatedAt.Time,
		LastAttemptAt:  timePtr(task.LastAttemptAt),
		NextAttemptAt:  timePtr(task.NextAttemptAt),
		AttemptsCount:  task.AttemptsCount,
		LastHTTPStatus: int4Ptr(task.LastHttpStatus),
		LastError:      textPtr(task.LastError),
		Attempts:       make([]DeliveryAttemptResponse, 0, len(attempts)),
	}
	for _, attempt := range attempts {
		response.Attempts = append(response.Attempts, attemptToResponse(attempt))
	}

	writeJsonResponse(w, http.StatusOK, response)
}

func listSubscriptionAttemptsHandler(convey *app.Application, w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	if _, err := convey.DB.GetSubscriptionByID(r.Context(), id); err != nil {
		respondSubscriptionLookupError(w, r, err)
		return
	}

	attempts, err := convey.DB.ListRecentAttemptsForSubscription(r.Context(), db.ListRecentAttemptsForSubscriptionParams{
		SubscriptionID: id,
		Limit:          recentAttemptsLimit,
	})
	if err != nil {
		log(r.Context()).Error("Failed to load recent attempts", "error", err)
		writeMessage(w, http.StatusInternalServerError, "An internal error occurred")
		return
	}

	response := make([]DeliveryAttemptResponse, 0, len(attempts))
	for _, attempt := range attempts {
		response = append(response, attemptToResponse(attempt))
	}

	writeJsonResponse(w, http.StatusOK, response)
}

func attemptToResponse(a db.DeliveryAttempt) DeliveryAttemptResponse {
	return DeliveryAttemptResponse{
		ID:            app.UuidToString(a.ID),
		AttemptNumber: a.AttemptNumber,
		Timestamp:     a.Timestamp.Time,
		Outcome:       a.Outcome,
		HTTPStatus:    int4Ptr(a.HttpStatus),
		ErrorDetails:  textPtr(a.ErrorDetails),
	}
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func int4Ptr(i pgtype.Int4) *int32 {
	if !i.Valid {
		return nil
	}
	return &i.Int32
}

func textPtr(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}
