package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf16"

	"github.com/platinummonkey/entityaudit/pkg/audit"
)

// JSONMediaType is the content type of every JSON response
const JSONMediaType = "application/json; charset=UTF-8"

// ErrorResponse is the body of every error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", JSONMediaType)
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteErrorResponse writes {"error": "<escaped message>"} with the given status
func WriteErrorResponse(w http.ResponseWriter, status int, message string) {
	_ = WriteJSON(w, status, ErrorResponse{Error: EscapeJSONString(message)})
}

// WriteError writes err with the given status. An error with an empty message is
// reported as "Failed with <type>".
func WriteError(w http.ResponseWriter, status int, err error) {
	WriteErrorResponse(w, status, ErrorMessage(err))
}

// WriteAuditError writes err with the status chosen by StatusForError
func WriteAuditError(w http.ResponseWriter, err error) {
	WriteError(w, StatusForError(err), err)
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorResponse(w, http.StatusBadRequest, message)
}

// ErrorMessage returns the message reported for err
func ErrorMessage(err error) string {
	if err == nil {
		return "Failed with <nil>"
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fmt.Sprintf("Failed with %T", err)
}

// StatusForError maps an error kind to an HTTP status
func StatusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidQueryParamLength), errors.Is(err, audit.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, audit.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, audit.ErrStorage) && audit.IsTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// EscapeJSONString escapes a string for embedding in a JSON string literal.
// Quotes, backslashes and '/' are backslash escaped, control characters use their
// short forms where JSON has one, and everything outside printable ASCII is written
// as \uXXXX UTF-16 units.
func EscapeJSONString(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '/':
			sb.WriteString(`\/`)
		case '\b':
			sb.WriteString(`\b`)
		case '\f':
			sb.WriteString(`\f`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			switch {
			case r >= 0x20 && r < 0x7f:
				sb.WriteRune(r)
			case r > 0xffff:
				hi, lo := utf16.EncodeRune(r)
				fmt.Fprintf(&sb, `\u%04X\u%04X`, hi, lo)
			default:
				fmt.Fprintf(&sb, `\u%04X`, r)
			}
		}
	}
	return sb.String()
}
