package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/entityaudit/pkg/audit"
)

type emptyError struct{}

func (emptyError) Error() string { return "" }

func TestEscapeJSONString(t *testing.T) {
	tests := map[string]string{
		"plain":         "plain",
		`say "hi"`:      `say \"hi\"`,
		`back\slash`:    `back\\slash`,
		"a/b":           `a\/b`,
		"line\nbreak\t": `line\nbreak\t`,
		"\x01":          `\u0001`,
		"café":          `caf\u00E9`,
		"\U0001F600":    `\uD83D\uDE00`,
		"\b\f\r":        `\b\f\r`,
	}
	for in, want := range tests {
		assert.Equal(t, want, EscapeJSONString(in), "input %q", in)
	}
}

func TestStatusForError(t *testing.T) {
	_, invalid := audit.DecodeEventKey("garbage")
	disabled := audit.NewDisabledRepository(nil)
	notConfigured := disabled.RecordEvents(context.Background())

	timeout := &audit.Error{Kind: audit.KindStorage, Op: "ListEvents", Msg: "operation timed out", Err: context.DeadlineExceeded}
	storage := &audit.Error{Kind: audit.KindStorage, Op: "ListEvents", Err: errors.New("connection reset")}

	assert.Equal(t, http.StatusOK, StatusForError(nil))
	assert.Equal(t, http.StatusBadRequest, StatusForError(invalid))
	assert.Equal(t, http.StatusBadRequest, StatusForError(ValidateQueryParamLength("q", "toolong", 2)))
	assert.Equal(t, http.StatusServiceUnavailable, StatusForError(notConfigured))
	assert.Equal(t, http.StatusGatewayTimeout, StatusForError(timeout))
	assert.Equal(t, http.StatusInternalServerError, StatusForError(storage))
	assert.Equal(t, http.StatusInternalServerError, StatusForError(fmt.Errorf("wrapped: %w", errors.New("x"))))
}

func TestWriteAuditError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteAuditError(rec, audit.NewDisabledRepository(nil).RecordEvents(context.Background()))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, JSONMediaType, rec.Header().Get("Content-Type"))

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Error, "disabled")
}

func TestWriteError_EmptyMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusInternalServerError, emptyError{})

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Failed with httputil.emptyError", body.Error)
}

func TestWriteErrorResponse_EscapesMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorResponse(rec, http.StatusBadRequest, `bad "value"`)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, `bad \"value\"`, body.Error)
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteJSON(rec, http.StatusCreated, map[string]int{"n": 1}))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"n":1}`, rec.Body.String())
}
