package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/conveyhq/convey/app"
	"github.com/conveyhq/convey/db"
)

func init() {
	registerRoute(func(convey *app.Application, router *http.ServeMux) {
		router.Handle("POST /ingest/{id}", routeHandler(convey, ingestHandler))
	})
}

type IngestResponse struct {
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
}

// ingestHandler validates an inbound event against its subscription,
// persists a delivery task, and enqueues it. The task row commits before
// the broker publish; a crash in between is covered by the orphan rescue.
func ingestHandler(convey *app.Application, w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}
	logger := log(r.Context()).With("subscription_id", app.UuidToString(id))

	if !isJsonRequest(r) {
		writeMessage(w, http.StatusUnsupportedMediaType, "Request body must be JSON")
		return
	}

	// The signature is computed over the exact raw body bytes, so read
	// them before parsing.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	var payload json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		writeMessage(w, http.StatusUnsupportedMediaType, "Request body must be JSON")
		return
	}

	sub, found, err := app.ResolveSubscription(r.Context(), convey, id)
	if err != nil {
		logger.Error("Failed to resolve subscription", "error", err)
		writeMessage(w, http.StatusInternalServerError, "An internal error occurred during ingestion")
		return
	}
	if !found {
		writeMessage(w, http.StatusNotFound, "Subscription not found")
		return
	}

	if sub.Secret != nil {
		if status, msg := verifySignature(r, body, *sub.Secret, convey.Config.SecretHeader); status != 0 {
			logger.Warn("Signature verification failed", "reason", msg)
			writeMessage(w, status, msg)
			return
		}
		logger.Debug("Signature verified")
	}

	if sub.EventTypeFilter != nil {
		eventType := r.Header.Get(convey.Config.EventTypeHeader)
		if eventType == "" {
			logger.Info("Event type filter set but no event type header provided, skipping delivery")
			writeMessage(w, http.StatusAccepted,
				"Subscription has event type filter, but no '"+convey.Config.EventTypeHeader+"' header provided. Delivery skipped")
			return
		}
		if eventType != *sub.EventTypeFilter {
			logger.Info("Event type filtered, skipping delivery", "event_type", eventType, "filter", *sub.EventTypeFilter)
			writeMessage(w, http.StatusAccepted,
				"Event type '"+eventType+"' filtered, delivery skipped")
			return
		}
	}

	task, err := convey.DB.CreateDeliveryTask(r.Context(), db.CreateDeliveryTaskParams{
		ID:             app.NewUuid(),
		SubscriptionID: id,
		Payload:        payload,
	})
	if err != nil {
		logger.Error("Failed to create delivery task", "error", err)
		writeMessage(w, http.StatusInternalServerError, "An internal error occurred during ingestion")
		return
	}

	taskID := app.UuidToString(task.ID)
	if err := convey.Queue.Publish(r.Context(), taskID); err != nil {
		// The committed row stays visible; the rescue sweep republishes it.
		logger.Error("Failed to enqueue delivery task", "error", err, "task_id", taskID)
	} else {
		logger.Info("Delivery task queued", "task_id", taskID)
	}

	writeJsonResponse(w, http.StatusAccepted, IngestResponse{
		Message: "Webhook received and queued",
		TaskID:  taskID,
	})
}

// verifySignature checks the sha256= HMAC header against the raw body.
// Returns a non-zero HTTP status and message on rejection.
func verifySignature(r *http.Request, body []byte, secret, header string) (int, string) {
	signatureHeader := r.Header.Get(header)
	if signatureHeader == "" {
		return http.StatusUnauthorized, "Signature header missing"
	}

	method, signature, ok := strings.Cut(signatureHeader, "=")
	if !ok {
		return http.StatusBadRequest, "Invalid signature header format"
	}
	if method != "sha256" {
		return http.StatusBadRequest, "Unsupported signature hash method"
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return http.StatusUnauthorized, "Invalid signature"
	}
	return 0, ""
}
