package cloud

import (
	"errors"
	"fmt"

	"github.com/minio/minio-go/v7"
)

// RemoteError is an error response returned by the remote API.
type RemoteError struct {
	Code       string
	Message    string
	StatusCode int
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// authCodes are error codes meaning the credential set itself was rejected.
var authCodes = map[string]struct{}{
	"InvalidAccessKeyId":    {},
	"SignatureDoesNotMatch": {},
	"ExpiredToken":          {},
	"InvalidToken":          {},
	"InvalidClientTokenId":  {},
	"TokenRefreshRequired":  {},
}

// friendlyMessages fill in a diagnostic when the remote API omits one.
var friendlyMessages = map[string]string{
	"InvalidAccessKeyId":    "The AWS Access Key Id you provided does not exist in our records.",
	"SignatureDoesNotMatch": "The request signature we calculated does not match the signature you provided. Check your key and signing method.",
	"ExpiredToken":          "The provided token has expired.",
	"AccessDenied":          "Access Denied",
	"NoSuchBucket":          "The specified bucket does not exist",
	"NoSuchKey":             "The specified key does not exist.",
	"BucketAlreadyExists":   "The requested bucket name is not available.",
	"BucketNotEmpty":        "The bucket you tried to delete is not empty",
	"NoSuchBucketPolicy":    "The bucket policy does not exist",
	"NoSuchTagSet":          "The TagSet does not exist",
}

// wrapError converts a minio error response into a RemoteError. Other errors
// are returned unchanged.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.Code == "" {
		return err
	}
	return &RemoteError{Code: resp.Code, Message: resp.Message, StatusCode: resp.StatusCode}
}

// ErrorCodeOf returns the remote error code, or "" for transport failures.
func ErrorCodeOf(err error) string {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsAuthError reports whether err means the credentials were rejected.
func IsAuthError(err error) bool {
	_, ok := authCodes[ErrorCodeOf(err)]
	return ok
}

// IsAccessDenied reports whether the caller authenticated but lacks permission.
func IsAccessDenied(err error) bool {
	return ErrorCodeOf(err) == "AccessDenied"
}

// Diagnostic renders err the way the command-line client reports failures.
func Diagnostic(operation string, err error) string {
	var re *RemoteError
	if !errors.As(err, &re) {
		return fmt.Sprintf("An error occurred when calling the %s operation: %v", operation, err)
	}
	msg := re.Message
	if msg == "" {
		msg = friendlyMessages[re.Code]
	}
	if msg == "" {
		msg = re.Code
	}
	return fmt.Sprintf("An error occurred (%s) when calling the %s operation: %s", re.Code, operation, msg)
}
