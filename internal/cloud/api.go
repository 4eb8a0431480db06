// Package cloud wraps the remote cloud control-plane API reached on behalf of
// a lab sandbox.
package cloud

import (
	"context"
	"time"

	"github.com/ashureev/shsh-cloudlabs/internal/domain"
)

// Identity describes the caller behind a credential set.
type Identity struct {
	UserID   string
	Account  string
	Arn      string
	Endpoint string
}

// Bucket is a single bucket listing entry.
type Bucket struct {
	Name         string
	CreationDate time.Time
}

// Object is a single object listing entry or object header.
type Object struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	StorageClass string
	ContentType  string
	IsPrefix     bool
}

// API is the subset of the remote control plane that lab commands can reach.
type API interface {
	// CallerIdentity performs the identity check used for credential validation.
	CallerIdentity(ctx context.Context) (Identity, error)

	ListBuckets(ctx context.Context) ([]Bucket, error)
	ListObjects(ctx context.Context, bucket, prefix string, recursive bool) ([]Object, error)
	MakeBucket(ctx context.Context, bucket, region string) error
	RemoveBucket(ctx context.Context, bucket string) error
	RemoveObject(ctx context.Context, bucket, key string) error
	HeadBucket(ctx context.Context, bucket string) error
	BucketLocation(ctx context.Context, bucket string) (string, error)
	BucketVersioning(ctx context.Context, bucket string) (string, error)
	BucketPolicy(ctx context.Context, bucket string) (string, error)
	BucketTagging(ctx context.Context, bucket string) (map[string]string, error)
	HeadObject(ctx context.Context, bucket, key string) (Object, error)
	PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}

// Factory builds an API client bound to one credential set.
type Factory func(creds domain.CredentialSet) (API, error)
