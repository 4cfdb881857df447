// Package response defines the structured result envelope returned by every
// engine operation: a URN type, a human-readable title, a detail naming the
// offending identifier, and an HTTP status hint. A *Response doubles as the
// error value threaded through pipelines so that the first failing stage
// short-circuits with a caller-renderable result.
package response

import (
	"errors"
	"fmt"
	"net/http"
)

// URN types carried in the Type field.
const (
	URNSuccess         = "urn:dx:as:Success"
	URNInvalidInput    = "urn:dx:as:InvalidInput"
	URNInvalidRole     = "urn:dx:as:InvalidRole"
	URNInvalidDelegate = "urn:dx:as:InvalidDelegate"
	URNAlreadyExists   = "urn:dx:as:AlreadyExists"
	URNMissingInfo     = "urn:dx:as:MissingInfo"
	URNInternalError   = "urn:dx:as:InternalError"
)

// Response is the structured payload forwarded to API responses.
type Response struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Detail  string `json:"detail,omitempty"`
	Status  int    `json:"-"`
	Results any    `json:"results,omitempty"`
}

// Error implements error so a Response can terminate a pipeline.
func (r *Response) Error() string {
	return fmt.Sprintf("%s: %s (%s)", r.Type, r.Title, r.Detail)
}

// New builds an arbitrary structured response.
func New(status int, urn, title, detail string) *Response {
	return &Response{Type: urn, Title: title, Detail: detail, Status: status}
}

// Success builds a success envelope with optional results.
func Success(title string, results any) *Response {
	return &Response{Type: URNSuccess, Title: title, Status: http.StatusOK, Results: results}
}

// Invalid is a validation failure the caller can correct.
func Invalid(title, detail string) *Response {
	return New(http.StatusBadRequest, URNInvalidInput, title, detail)
}

// Forbidden is an authorization failure.
func Forbidden(urn, title, detail string) *Response {
	return New(http.StatusForbidden, urn, title, detail)
}

// Unauthorized is a role failure reported before any work is done.
func Unauthorized(title, detail string) *Response {
	return New(http.StatusUnauthorized, URNInvalidRole, title, detail)
}

// NotFound reports an absent entity with the offending identifier.
func NotFound(title, detail string) *Response {
	return New(http.StatusNotFound, URNInvalidInput, title, detail)
}

// Conflict reports a duplicate active entity.
func Conflict(title, detail string) *Response {
	return New(http.StatusConflict, URNAlreadyExists, title, detail)
}

// Internal is the opaque envelope for store/collaborator failures. The
// underlying error is logged at the failure site, never forwarded.
func Internal() *Response {
	return New(http.StatusInternalServerError, URNInternalError, "internal server error", "")
}

// From unwraps err into a Response, collapsing anything that is not a
// *Response into an opaque internal error.
func From(err error) *Response {
	var r *Response
	if errors.As(err, &r) {
		return r
	}
	return Internal()
}
