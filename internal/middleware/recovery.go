// Package middleware provides HTTP middleware specific to the dispatch
// service.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/lewisedginton/whatsapp_dispatch/pkg/logger"
)

// RecoveryConfig holds configuration for the recovery middleware.
type RecoveryConfig struct {
	Logger           logger.Logger
	EnableStackTrace bool
	ResponseMessage  string
}

// DefaultRecoveryConfig returns a sensible default configuration.
func DefaultRecoveryConfig(log logger.Logger) RecoveryConfig {
	return RecoveryConfig{
		Logger:           log,
		EnableStackTrace: true,
		ResponseMessage:  `{"error":"internal server error"}`,
	}
}

// Recovery returns a middleware that turns a handler panic into a
// logged 500 response instead of a dropped connection.
func Recovery(config RecoveryConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if recovered := recover(); recovered != nil {
					handlePanic(w, r, recovered, config)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func handlePanic(w http.ResponseWriter, r *http.Request, recovered interface{}, config RecoveryConfig) {
	fields := []logger.LogField{
		logger.StringField("panic", fmt.Sprintf("%v", recovered)),
		logger.HTTPMethodField(r.Method),
		logger.HTTPPathField(r.URL.Path),
	}
	if config.EnableStackTrace {
		fields = append(fields, logger.StringField("stack", string(debug.Stack())))
	}
	if config.Logger != nil {
		config.Logger.Error("recovered from handler panic", fields...)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusInternalServerError)
	if config.ResponseMessage != "" {
		_, _ = w.Write([]byte(config.ResponseMessage))
	}
}
