package domain

import "errors"

var (
	ErrInvalidEntitlement = errors.New("invalid entitlement")
	ErrProvisioningFailed = errors.New("provisioning failed")
	ErrSessionNotFound    = errors.New("session not found")
	ErrAlreadyExecuting   = errors.New("a command is already executing")
	ErrCredentialInvalid  = errors.New("credentials are invalid")
	ErrRefreshUnavailable = errors.New("credential refresh unavailable")
	ErrRefreshDenied      = errors.New("credential refresh denied")
	ErrCommandUnsupported = errors.New("command not supported")
	ErrRemoteCallFailed   = errors.New("remote call failed")
	ErrMalformedArguments = errors.New("malformed arguments")
	ErrGatewayClosed      = errors.New("command gateway closed")
	ErrConnectionTimeout  = errors.New("connection establishment timed out")
)

// Wire codes sent to clients.
const (
	CodeInvalidEntitlement = "INVALID_ENTITLEMENT"
	CodeProvisioningFailed = "PROVISIONING_FAILED"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeAlreadyExecuting   = "ALREADY_EXECUTING"
	CodeCredentialInvalid  = "CREDENTIAL_INVALID"
	CodeRefreshUnavailable = "REFRESH_UNAVAILABLE"
	CodeRefreshDenied      = "REFRESH_DENIED"
	CodeCommandUnsupported = "COMMAND_UNSUPPORTED"
	CodeRemoteCallFailed   = "REMOTE_CALL_FAILED"
	CodeMalformedArguments = "MALFORMED_ARGUMENTS"
	CodeGatewayClosed      = "GATEWAY_CLOSED"
	CodeConnectionTimeout  = "CONNECTION_TIMEOUT"
	CodeInternal           = "INTERNAL_ERROR"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidEntitlement, CodeInvalidEntitlement},
	{ErrProvisioningFailed, CodeProvisioningFailed},
	{ErrSessionNotFound, CodeSessionNotFound},
	{ErrAlreadyExecuting, CodeAlreadyExecuting},
	{ErrCredentialInvalid, CodeCredentialInvalid},
	{ErrRefreshUnavailable, CodeRefreshUnavailable},
	{ErrRefreshDenied, CodeRefreshDenied},
	{ErrCommandUnsupported, CodeCommandUnsupported},
	{ErrRemoteCallFailed, CodeRemoteCallFailed},
	{ErrMalformedArguments, CodeMalformedArguments},
	{ErrGatewayClosed, CodeGatewayClosed},
	{ErrConnectionTimeout, CodeConnectionTimeout},
}

// ErrorCode maps an error to its wire code.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeInternal
}
