package chat

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound       = errors.New("room not found")
	ErrNotParticipant = errors.New("not a participant of this room")
	ErrEmptyContent   = errors.New("content must not be empty")
	ErrContentTooLong = errors.New("content exceeds the maximum length")
	ErrInvalidJSON    = errors.New("frame is not a valid chat message")
	ErrInvalidHint    = errors.New("role must be \"patient\" or \"professional\"")
	ErrAmbiguousRole  = errors.New("participant holds both roles in this room; role is required")
	ErrRoleMismatch   = errors.New("requested role does not match your participation in this room")
	ErrInvalidRoom    = errors.New("patient_id and professional_id are required")
)

const codeInternal = "internal"

var errorCodes = []struct {
	err    error
	code   string
	status int
}{
	{ErrNotFound, "not_found", http.StatusNotFound},
	{ErrNotParticipant, "not_participant", http.StatusForbidden},
	{ErrEmptyContent, "empty_content", http.StatusBadRequest},
	{ErrContentTooLong, "content_too_long", http.StatusBadRequest},
	{ErrInvalidJSON, "invalid_json", http.StatusBadRequest},
	{ErrInvalidHint, "invalid_hint", http.StatusBadRequest},
	{ErrAmbiguousRole, "ambiguous_role", http.StatusConflict},
	{ErrRoleMismatch, "role_mismatch", http.StatusForbidden},
	{ErrInvalidRoom, "invalid_request", http.StatusBadRequest},
}

// ErrorCode maps err to its wire code. Unrecognized errors are "internal".
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return codeInternal
}

// StatusCode maps err to an HTTP status.
func StatusCode(err error) int {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.status
		}
	}
	return http.StatusInternalServerError
}

// IsClientError reports whether err is one of the typed chat errors.
func IsClientError(err error) bool {
	return ErrorCode(err) != codeInternal
}

// NewErrorFrame builds the wire form of err. Internal errors carry a generic
// detail.
func NewErrorFrame(err error) ErrorFrame {
	code := ErrorCode(err)
	if code == codeInternal {
		return ErrorFrame{Error: codeInternal, Detail: "internal error"}
	}
	return ErrorFrame{Error: code, Detail: err.Error()}
}
