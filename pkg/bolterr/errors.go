// Package bolterr defines the error kinds the driver core must distinguish
// (§7): protocol framing/version failures, service-level unavailability,
// routing exhaustion, retriable server errors, client-level request
// errors, and pool acquisition timeouts.
package bolterr

import "fmt"

// ProtocolError reports malformed bytes, an unexpected struct shape, an
// unsupported version, or an HTTP server answering a Bolt handshake. It is
// always fatal to the connection that raised it.
type ProtocolError struct {
	Message string
	Cause   error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("protocol error: %s", e.Message)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// NewProtocolError builds a ProtocolError wrapping an optional cause.
func NewProtocolError(message string, cause error) *ProtocolError {
	return &ProtocolError{Message: message, Cause: cause}
}

// ServiceUnavailableError reports that no server could be reached at all:
// no routers, a failed channel connection, or a closed pool.
type ServiceUnavailableError struct {
	Message string
	Cause   error
}

func (e *ServiceUnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("service unavailable: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("service unavailable: %s", e.Message)
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Cause }

func NewServiceUnavailableError(message string, cause error) *ServiceUnavailableError {
	return &ServiceUnavailableError{Message: message, Cause: cause}
}

// SessionExpiredError reports that the routing table has no server for the
// required access mode even after a refresh.
type SessionExpiredError struct {
	Message string
}

func (e *SessionExpiredError) Error() string { return fmt.Sprintf("session expired: %s", e.Message) }

func NewSessionExpiredError(message string) *SessionExpiredError {
	return &SessionExpiredError{Message: message}
}

// TransientError is retriable by the caller (deadlock, lease loss, and
// similar server-reported conditions).
type TransientError struct {
	Code    string
	Message string
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient error (%s): %s", e.Code, e.Message) }

// ClientError is a request-level error surfaced by the server. Authorization
// expiry is reported via the IsAuthorizationExpired flag, which triggers
// global re-authentication rather than a simple retry.
type ClientError struct {
	Code                     string
	Message                  string
	IsAuthorizationExpired   bool
}

func (e *ClientError) Error() string { return fmt.Sprintf("client error (%s): %s", e.Code, e.Message) }

// AuthenticationFailedError covers Unauthorized/TokenExpired/
// CredentialsExpired/Forbidden: in verification paths these are reported as
// a boolean false rather than raised, but still need a concrete type for
// callers that do want the detail.
type AuthenticationFailedError struct {
	Code    string
	Message string
}

func (e *AuthenticationFailedError) Error() string {
	return fmt.Sprintf("authentication failed (%s): %s", e.Code, e.Message)
}

// AcquisitionTimeoutError reports that the pool could not satisfy an
// acquire request within its configured budget. Message always includes
// the active/idle counts observed at expiry (S4).
type AcquisitionTimeoutError struct {
	Message string
}

func (e *AcquisitionTimeoutError) Error() string { return e.Message }

// NewAcquisitionTimeoutError formats the S4-style message: "acquisition
// timed out ...: Active conn count = N, Idle conn count = M".
func NewAcquisitionTimeoutError(active, idle int) *AcquisitionTimeoutError {
	return &AcquisitionTimeoutError{
		Message: fmt.Sprintf(
			"acquisition timed out after waiting for a connection to become available. "+
				"Active conn count = %d, Idle conn count = %d", active, idle),
	}
}

// UnsupportedFeatureError reports that a dialect-gated feature (e.g.
// impersonation, multi-database selection, LOGON/LOGOFF, telemetry) was
// used against a protocol version that does not support it. It is returned
// while the request is being built, before any bytes are sent (§4.3).
// Notification filtering is not reported this way: Dialect.Hello drops the
// setting on dialects that cannot carry it.
type UnsupportedFeatureError struct {
	Feature string
	Version string
}

func (e *UnsupportedFeatureError) Error() string {
	return fmt.Sprintf("%s is not supported by Bolt protocol version %s", e.Feature, e.Version)
}
