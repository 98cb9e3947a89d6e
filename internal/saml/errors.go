package saml

import "fmt"

// Protocol error codes. Every code is fatal to the login attempt it occurs
// in; none of them triggers an automatic retry.
const (
	ErrCodeMalformedResponse      = "MALFORMED_RESPONSE"
	ErrCodeUnsupportedVersion     = "UNSUPPORTED_VERSION"
	ErrCodeAuthnFailed            = "AUTHN_FAILED"
	ErrCodeInvalidSignature       = "INVALID_SIGNATURE"
	ErrCodeIssuerMismatch         = "ISSUER_MISMATCH"
	ErrCodeReplayOrUnknownRequest = "REPLAY_OR_UNKNOWN_REQUEST"
	ErrCodeAssertionExpired       = "ASSERTION_EXPIRED"
	ErrCodeAssertionNotYetValid   = "ASSERTION_NOT_YET_VALID"
	ErrCodeAudienceMismatch       = "AUDIENCE_MISMATCH"
	ErrCodeMissingAttribute       = "MISSING_ATTRIBUTE"
)

// ProtocolError is a validation failure in the SAML exchange. The Code is
// stable and safe to log; Details may contain protocol internals and must
// never be shown to end users.
type ProtocolError struct {
	Code    string
	Message string
	Details string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func protocolErrorf(code, message, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{
		Code:    code,
		Message: message,
		Details: fmt.Sprintf(format, args...),
	}
}

// IsProtocolError reports whether err is a ProtocolError with the given code.
func IsProtocolError(err error, code string) bool {
	pe, ok := err.(*ProtocolError)
	return ok && pe.Code == code
}

// ConfigurationError is a fault in administrator-supplied configuration
// (unparseable IdP metadata, missing signing certificate, bad endpoint URL).
// It is raised at startup or config-save time and carries specific
// diagnostic text intended for administrators, not end users.
type ConfigurationError struct {
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error in %s: %s", e.Setting, e.Reason)
}
