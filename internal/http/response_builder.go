// Package http serves the dashboard: the page, htmx partials, charts,
// exports, uploads and the chat panel.
//
// This file builds HTMX responses and maps pipeline errors onto status codes.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"

	"ratedash/internal/chat"
	"ratedash/internal/core"
	"ratedash/internal/services"
	"ratedash/internal/sheets"
	"ratedash/internal/workbook"
)

// Events the page listens for.
const (
	EventWorkbookUpdated = "workbook-updated"
	EventChatReset       = "chat-reset"
)

// HTMXResponseBuilder provides a fluent API for building HTMX responses.
type HTMXResponseBuilder struct {
	triggers   map[string]interface{}
	statusCode int
	body       []byte
	headers    map[string]string
}

// NewHTMXResponse creates a new response builder with default 200 status.
func NewHTMXResponse() *HTMXResponseBuilder {
	return &HTMXResponseBuilder{
		triggers:   make(map[string]interface{}),
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

// Status sets the HTTP status code for the response.
func (b *HTMXResponseBuilder) Status(code int) *HTMXResponseBuilder {
	b.statusCode = code
	return b
}

// Trigger adds a named trigger with optional data to the HX-Trigger header.
func (b *HTMXResponseBuilder) Trigger(name string, data interface{}) *HTMXResponseBuilder {
	b.triggers[name] = data
	return b
}

// TriggerWorkbookUpdated tells open panels to reload their table.
func (b *HTMXResponseBuilder) TriggerWorkbookUpdated(source string) *HTMXResponseBuilder {
	return b.Trigger(EventWorkbookUpdated, map[string]string{"source": source})
}

// NotificationType represents the type of notification to display.
type NotificationType string

const (
	NotificationSuccess NotificationType = "success"
	NotificationError   NotificationType = "error"
)

// TriggerNotification adds a show-notification trigger with the specified parameters.
func (b *HTMXResponseBuilder) TriggerNotification(notifType NotificationType, message string, durationMs int) *HTMXResponseBuilder {
	return b.Trigger("show-notification", map[string]interface{}{
		"type":     string(notifType),
		"message":  message,
		"duration": durationMs,
	})
}

// Header adds a custom header to the response.
func (b *HTMXResponseBuilder) Header(name, value string) *HTMXResponseBuilder {
	b.headers[name] = value
	return b
}

// BodyHTML sets the response body as HTML content.
func (b *HTMXResponseBuilder) BodyHTML(html string) *HTMXResponseBuilder {
	b.headers["Content-Type"] = "text/html; charset=utf-8"
	b.body = []byte(html)
	return b
}

// Write sends the built response to the http.ResponseWriter.
func (b *HTMXResponseBuilder) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}

	if len(b.triggers) > 0 {
		triggerJSON, err := json.Marshal(b.triggers)
		if err == nil {
			w.Header().Set("HX-Trigger", string(triggerJSON))
		}
	}

	w.WriteHeader(b.statusCode)
	if len(b.body) > 0 {
		_, _ = w.Write(b.body)
	}
}

// ErrorResponse creates a standard error response with HTML formatting.
// The message is HTML-escaped for safety.
func ErrorResponse(statusCode int, message string) *HTMXResponseBuilder {
	return NewHTMXResponse().
		Status(statusCode).
		BodyHTML(`<div class="error" role="alert">` + template.HTMLEscapeString(message) + `</div>`)
}

// SuccessResponse renders a short confirmation.
func SuccessResponse(message string) *HTMXResponseBuilder {
	return NewHTMXResponse().
		BodyHTML(`<div class="success">` + template.HTMLEscapeString(message) + `</div>`)
}

// MethodNotAllowedError creates a 405 Method Not Allowed error response.
func MethodNotAllowedError(allowedMethods string) *HTMXResponseBuilder {
	return ErrorResponse(http.StatusMethodNotAllowed, "method not allowed").
		Header("Allow", allowedMethods)
}

// ErrorFor maps a pipeline error to the status and text shown to the user.
func ErrorFor(err error) *HTMXResponseBuilder {
	return ErrorResponse(StatusFor(err), MessageFor(err))
}

// StatusFor picks the HTTP status of a pipeline error.
func StatusFor(err error) int {
	var (
		tooBig  *http.MaxBytesError
		input   *services.InputError
		missing *core.MissingColumnsError
		parse   *core.ParseError
	)
	switch {
	case errors.As(err, &tooBig), errors.Is(err, workbook.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, services.ErrUnknownChart):
		return http.StatusNotFound
	case errors.As(err, &input), errors.As(err, &missing), errors.As(err, &parse),
		errors.Is(err, core.ErrTableNotFound), errors.Is(err, core.ErrNoRows),
		errors.Is(err, workbook.ErrUnsupportedFormat), errors.Is(err, workbook.ErrEmpty),
		errors.Is(err, sheets.ErrReadOnly),
		errors.Is(err, chat.ErrDisabled), errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrTooLong):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// MessageFor is the text shown in the panel for err.
func MessageFor(err error) string {
	switch {
	case errors.Is(err, core.ErrNoRows):
		return "No data loaded yet. Upload a workbook or refresh the source."
	case errors.Is(err, sheets.ErrReadOnly):
		return "This dashboard reads from Google Sheets; uploads are disabled."
	default:
		return err.Error()
	}
}
