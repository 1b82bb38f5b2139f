package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"

	"github.com/conveyhq/convey/app"
	"github.com/conveyhq/convey/config"
)

type routeRegistrationFunc func(convey *app.Application, router *http.ServeMux)

var routes []routeRegistrationFunc

func registerRoute(r routeRegistrationFunc) {
	routes = append(routes, r)
}

func AddApis(convey *app.Application, router *http.ServeMux) {
	slog.Debug("Registering all API Endpoints", "count", len(routes))
	apiRouter := http.NewServeMux()
	for _, r := range routes {
		r(convey, apiRouter)
	}
	router.Handle("/api/v1/", http.StripPrefix("/api/v1", apiRouter))
}

func log(ctx context.Context) *slog.Logger {
	log := ctx.Value(config.LoggerContextKey)
	if log == nil {
		return slog.Default()
	}
	return log.(*slog.Logger)
}

type appHandler func(convey *app.Application, w http.ResponseWriter, r *http.Request)

func routeHandler(convey *app.Application, handler appHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler(convey, w, r)
	})
}

func writeJsonResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func writeMessage(w http.ResponseWriter, statusCode int, message string) {
	writeJsonResponse(w, statusCode, map[string]string{"message": message})
}

// isJsonRequest checks the declared content type; bodies declared as
// anything but JSON are rejected with 415 before being read.
func isJsonRequest(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mediaType == "application/json"
}
