package cloud

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ashureev/shsh-cloudlabs/internal/domain"
	"github.com/minio/minio-go/v7"
)

func TestWrapErrorConvertsErrorResponse(t *testing.T) {
	err := wrapError(minio.ErrorResponse{Code: "NoSuchBucket", Message: "missing", StatusCode: 404})

	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected RemoteError, got %T", err)
	}
	if re.Code != "NoSuchBucket" || re.StatusCode != 404 {
		t.Errorf("unexpected remote error %+v", re)
	}
}

func TestWrapErrorPassesThroughTransportErrors(t *testing.T) {
	raw := errors.New("dial tcp: connection refused")
	if got := wrapError(raw); got != raw {
		t.Errorf("expected transport error unchanged, got %v", got)
	}
	if wrapError(nil) != nil {
		t.Error("expected nil for nil")
	}
}

func TestIsAuthError(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"SignatureDoesNotMatch", true},
		{"InvalidAccessKeyId", true},
		{"ExpiredToken", true},
		{"AccessDenied", false},
		{"NoSuchBucket", false},
	}
	for _, tt := range tests {
		err := fmt.Errorf("call: %w", &RemoteError{Code: tt.code})
		if got := IsAuthError(err); got != tt.want {
			t.Errorf("IsAuthError(%s) = %v, want %v", tt.code, got, tt.want)
		}
	}
	if IsAuthError(errors.New("timeout")) {
		t.Error("transport error is not an auth error")
	}
}

func TestDiagnostic(t *testing.T) {
	got := Diagnostic("ListBuckets", &RemoteError{Code: "SignatureDoesNotMatch"})
	want := "An error occurred (SignatureDoesNotMatch) when calling the ListBuckets operation: The request signature"
	if !strings.HasPrefix(got, want) {
		t.Errorf("Diagnostic() = %q", got)
	}

	got = Diagnostic("HeadObject", &RemoteError{Code: "Teapot", Message: "short and stout"})
	if got != "An error occurred (Teapot) when calling the HeadObject operation: short and stout" {
		t.Errorf("Diagnostic() = %q", got)
	}

	got = Diagnostic("ListBuckets", errors.New("connection reset"))
	if !strings.Contains(got, "connection reset") {
		t.Errorf("Diagnostic() = %q", got)
	}
}

func TestNewMinioClientDefaultsEndpoint(t *testing.T) {
	api, err := NewMinioClient(domain.CredentialSet{AccessKeyID: "AKIA", SecretAccessKey: "secret", Region: "us-east-1"})
	if err != nil {
		t.Fatalf("NewMinioClient() error = %v", err)
	}
	c := api.(*MinioClient)
	if c.endpoint != defaultEndpoint {
		t.Errorf("expected default endpoint, got %q", c.endpoint)
	}
}
