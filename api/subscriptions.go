package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/conveyhq/convey/app"
	"github.com/conveyhq/convey/db"
)

func init() {
	registerRoute(func(convey *app.Application, router *http.ServeMux) {
		router.Handle("POST /subscriptions", routeHandler(convey, createSubscriptionHandler))
		router.Handle("GET /subscriptions", routeHandler(convey, listSubscriptionsHandler))
		router.Handle("GET /subscriptions/{id}", routeHandler(convey, getSubscriptionHandler))
		router.Handle("PUT /subscriptions/{id}", routeHandler(convey, updateSubscriptionHandler))
		router.Handle("DELETE /subscriptions/{id}", routeHandler(convey, deleteSubscriptionHandler))
	})
}

type SubscriptionRequest struct {
	TargetURL       *string `json:"target_url"`
	Secret          *string `json:"secret"`
	EventTypeFilter *string `json:"event_type_filter"`
}

type SubscriptionResponse struct {
	ID              string    `json:"id"`
	TargetURL       string    `json:"target_url"`
	Secret          *string   `json:"secret"`
	EventTypeFilter *string   `json:"event_type_filter"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// validateTargetURL enforces the subscription invariants: a non-empty
// absolute http(s) URL of at most 255 characters.
func validateTargetURL(raw string) string {
	if raw == "" {
		return "target_url is required"
	}
	if len(raw) > 255 {
		return "target_url must be 255 characters or fewer"
	}
	parsed, err := url.Parse(raw)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return "target_url must be an absolute URL"
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "target_url must use http or https"
	}
	return ""
}

func validateOptionalField(name string, value *string) string {
	if value != nil && len(*value) > 255 {
		return name + " must be 255 characters or fewer"
	}
	return ""
}

func createSubscriptionHandler(convey *app.Application, w http.ResponseWriter, r *http.Request) {
	if !isJsonRequest(r) {
		writeMessage(w, http.StatusUnsupportedMediaType, "Request body must be JSON")
		return
	}

	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.TargetURL == nil {
		writeMessage(w, http.StatusBadRequest, "target_url is required")
		return
	}
	if msg := validateTargetURL(*req.TargetURL); msg != "" {
		writeMessage(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateOptionalField("secret", req.Secret); msg != "" {
		writeMessage(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateOptionalField("event_type_filter", req.EventTypeFilter); msg != "" {
		writeMessage(w, http.StatusBadRequest, msg)
		return
	}

	sub, err := convey.DB.CreateSubscription(r.Context(), db.CreateSubscriptionParams{
		ID:              app.NewUuid(),
		TargetUrl:       *req.TargetURL,
		Secret:          textFromPtr(req.Secret),
		EventTypeFilter: textFromPtr(req.EventTypeFilter),
	})
	if err != nil {
		log(r.Context()).Error("Failed to create subscription", "error", err)
		writeMessage(w, http.StatusInternalServerError, "Failed to create subscription")
		return
	}

	// Write-through after the commit: a transient stale entry is acceptable,
	// a stale miss is not.
	convey.SubCache.Put(r.Context(), sub.ID, app.CacheEntryFromSubscription(sub))

	log(r.Context()).Info("Subscription created",
		"subscription_id", app.UuidToString(sub.ID),
		"target_url", sub.TargetUrl,
	)
	writeJsonResponse(w, http.StatusCreated, subscriptionToResponse(sub))
}

func listSubscriptionsHandler(convey *app.Application, w http.ResponseWriter, r *http.Request) {
	subs, err := convey.DB.ListSubscriptions(r.Context())
	if err != nil {
		log(r.Context()).Error("Failed to list subscriptions", "error", err)
		writeMessage(w, http.StatusInternalServerError, "Failed to list subscriptions")
		return
	}

	response := []SubscriptionResponse{}
	for _, sub := range subs {
		response = append(response, subscriptionToResponse(sub))
	}
	writeJsonResponse(w, http.StatusOK, response)
}

func getSubscriptionHandler(convey *app.Application, w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	sub, err := convey.DB.GetSubscriptionByID(r.Context(), id)
	if err != nil {
		respondSubscriptionLookupError(w, r, err)
		return
	}
	writeJsonResponse(w, http.StatusOK, subscriptionToResponse(sub))
}

func updateSubscriptionHandler(convey *app.Application, w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	if !isJsonRequest(r) {
		writeMessage(w, http.StatusUnsupportedMediaType, "Request body must be JSON")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Raw keys distinguish "clear this field" (explicit null) from
	// "leave it alone" (key absent).
	var rawFields map[string]json.RawMessage
	if err := json.Unmarshal(body, &rawFields); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	var req SubscriptionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	params := db.UpdateSubscriptionParams{ID: id}
	if req.TargetURL != nil {
		if msg := validateTargetURL(*req.TargetURL); msg != "" {
			writeMessage(w, http.StatusBadRequest, msg)
			return
		}
		params.TargetUrl = pgtype.Text{String: *req.TargetURL, Valid: true}
	}
	if msg := validateOptionalField("secret", req.Secret); msg != "" {
		writeMessage(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateOptionalField("event_type_filter", req.EventTypeFilter); msg != "" {
		writeMessage(w, http.StatusBadRequest, msg)
		return
	}

	if _, ok := rawFields["secret"]; ok {
		params.SetSecret = true
		params.Secret = textFromPtr(req.Secret)
	}
	if _, ok := rawFields["event_type_filter"]; ok {
		params.SetEventTypeFilter = true
		params.EventTypeFilter = textFromPtr(req.EventTypeFilter)
	}

	sub, err := convey.DB.UpdateSubscription(r.Context(), params)
	if err != nil {
		respondSubscriptionLookupError(w, r, err)
		return
	}

	convey.SubCache.Put(r.Context(), sub.ID, app.CacheEntryFromSubscription(sub))

	log(r.Context()).Info("Subscription updated", "subscription_id", app.UuidToString(sub.ID))
	writeJsonResponse(w, http.StatusOK, subscriptionToResponse(sub))
}

func deleteSubscriptionHandler(convey *app.Application, w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	deleted, err := convey.DB.DeleteSubscription(r.Context(), id)
	if err != nil {
		log(r.Context()).Error("Failed to delete subscription", "error", err)
		writeMessage(w, http.StatusInternalServerError, "Failed to delete subscription")
		return
	}
	if deleted == 0 {
		writeMessage(w, http.StatusNotFound, "Subscription not found")
		return
	}

	convey.SubCache.Invalidate(r.Context(), id)

	log(r.Context()).Info("Subscription deleted", "subscription_id", app.UuidToString(id))
	writeMessage(w, http.StatusOK, "Subscription deleted")
}

func respondSubscriptionLookupError(w http.ResponseWriter, r *http.Request, err error) {
	if app.IsNoRows(err) {
		writeMessage(w, http.StatusNotFound, "Subscription not found")
		return
	}
	log(r.Context()).Error("Subscription lookup failed", "error", err)
	writeMessage(w, http.StatusInternalServerError, "An error occurred")
}

func parseIDParam(w http.ResponseWriter, r *http.Request) (pgtype.UUID, bool) {
	parsed, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeMessage(w, http.StatusNotFound, "Not found")
		return pgtype.UUID{}, false
	}
	return pgtype.UUID{Bytes: parsed, Valid: true}, true
}

func subscriptionToResponse(s db.Subscription) SubscriptionResponse {
	resp := SubscriptionResponse{
		ID:        app.UuidToString(s.ID),
		TargetURL: s.TargetUrl,
		CreatedAt: s.CreatedAt.Time,
		UpdatedAt: s.UpdatedAt.Time,
	}
	if s.Secret.Valid {
		v := s.Secret.String
		resp.Secret = &v
	}
	if s.EventTypeFilter.Valid {
		v := s.EventTypeFilter.String
		resp.EventTypeFilter = &v
	}
	return resp
}

func textFromPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: *s, Valid: true}
}
