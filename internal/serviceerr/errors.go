package serviceerr

import "net/http"

type Code string

const (
	CodeInvalidInput          Code = "invalid_input"
	CodeAuthenticationFailed  Code = "authentication_failed"
	CodeMissingIdentityClaim  Code = "missing_identity_claim"
	CodeProvisioningFailed    Code = "provisioning_failed"
	CodeUnauthenticated       Code = "unauthenticated"
	CodeAccessDenied          Code = "access_denied"
	CodeGrantExpired          Code = "grant_expired"
	CodeGrantNotFound         Code = "grant_not_found"
	CodeUnsupportedWorkaround Code = "unsupported_workaround"
	CodeInvalidCSRFToken      Code = "invalid_csrf_token"
	CodeSessionBusy           Code = "session_busy"
	CodeNotFound              Code = "not_found"
	CodeConflict              Code = "conflict"
	CodeBadGateway            Code = "bad_gateway"
	CodeUnknown               Code = "unknown"
)

// Error is an error that carries a machine readable code. The code is exposed
// to the HTTP clients together with the description.
type Error struct {
	Err         Code
	Description string
}

var (
	ErrInvalidInput          = &Error{Err: CodeInvalidInput}
	ErrAuthenticationFailed  = &Error{Err: CodeAuthenticationFailed, Description: "authentication failed"}
	ErrMissingIdentityClaim  = &Error{Err: CodeMissingIdentityClaim, Description: "the id token carries no webid claim"}
	ErrProvisioningFailed    = &Error{Err: CodeProvisioningFailed, Description: "webid provisioning failed"}
	ErrUnauthenticated       = &Error{Err: CodeUnauthenticated, Description: "no session"}
	ErrAccessDenied          = &Error{Err: CodeAccessDenied, Description: "access grant is missing"}
	ErrGrantExpired          = &Error{Err: CodeGrantExpired, Description: "access grant is expired"}
	ErrGrantNotFound         = &Error{Err: CodeGrantNotFound, Description: "access grant not found"}
	ErrUnsupportedWorkaround = &Error{Err: CodeUnsupportedWorkaround, Description: "workaround is not supported"}
	ErrInvalidCSRFToken      = &Error{Err: CodeInvalidCSRFToken, Description: "invalid csrf token"}
	ErrSessionBusy           = &Error{Err: CodeSessionBusy, Description: "session is locked by another request"}
	ErrNotFound              = &Error{Err: CodeNotFound, Description: "not found"}
	ErrConflict              = &Error{Err: CodeConflict, Description: "already exists"}
	ErrBadGateway            = &Error{Err: CodeBadGateway, Description: "upstream service failed"}
	ErrUnknown               = &Error{Err: CodeUnknown, Description: "unknown error"}
)

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Err)
	}

	return string(e.Err) + ": " + e.Description
}

// Is matches errors by code so that a copy with a different description
// still satisfies errors.Is against the predefined value.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return e.Err == t.Err
}

// WithDescription returns a copy of the error with the given description.
func (e *Error) WithDescription(description string) *Error {
	return &Error{Err: e.Err, Description: description}
}

func (e *Error) HTTPStatus() int {
	switch e.Err {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeAuthenticationFailed, CodeMissingIdentityClaim, CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeAccessDenied, CodeGrantExpired, CodeInvalidCSRFToken:
		return http.StatusForbidden
	case CodeGrantNotFound, CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeSessionBusy:
		return http.StatusConflict
	case CodeProvisioningFailed, CodeBadGateway:
		return http.StatusBadGateway
	case CodeUnsupportedWorkaround:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
