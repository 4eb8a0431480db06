package cloud

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/shsh-cloudlabs/internal/domain"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultEndpoint = "s3.amazonaws.com"

// MinioClient implements API on top of an S3-compatible endpoint.
type MinioClient struct {
	client   *minio.Client
	creds    domain.CredentialSet
	endpoint string
}

// NewMinioClient creates a client bound to creds.
func NewMinioClient(creds domain.CredentialSet) (API, error) {
	endpoint := creds.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
		Secure: creds.UseSSL,
		Region: creds.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create cloud client: %w", err)
	}
	return &MinioClient{client: client, creds: creds, endpoint: endpoint}, nil
}

// CallerIdentity signs a listing request; a signed request that is merely
// denied still proves the key material is valid.
func (c *MinioClient) CallerIdentity(ctx context.Context) (Identity, error) {
	if _, err := c.client.ListBuckets(ctx); err != nil {
		werr := wrapError(err)
		if !IsAccessDenied(werr) {
			return Identity{}, werr
		}
	}
	return Identity{
		UserID:   c.creds.AccessKeyID,
		Account:  c.creds.Ref,
		Arn:      fmt.Sprintf("arn:aws:iam::sandbox:user/%s", c.creds.AccessKeyID),
		Endpoint: c.endpoint,
	}, nil
}

func (c *MinioClient) ListBuckets(ctx context.Context) ([]Bucket, error) {
	infos, err := c.client.ListBuckets(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	buckets := make([]Bucket, 0, len(infos))
	for _, info := range infos {
		buckets = append(buckets, Bucket{Name: info.Name, CreationDate: info.CreationDate})
	}
	return buckets, nil
}

func (c *MinioClient) ListObjects(ctx context.Context, bucket, prefix string, recursive bool) ([]Object, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var objects []Object
	for info := range c.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: recursive}) {
		if info.Err != nil {
			return nil, wrapError(info.Err)
		}
		objects = append(objects, Object{
			Key:          info.Key,
			Size:         info.Size,
			ETag:         info.ETag,
			LastModified: info.LastModified,
			StorageClass: info.StorageClass,
			IsPrefix:     info.Size == 0 && len(info.Key) > 0 && info.Key[len(info.Key)-1] == '/',
		})
	}
	return objects, nil
}

func (c *MinioClient) MakeBucket(ctx context.Context, bucket, region string) error {
	if region == "" {
		region = c.creds.Region
	}
	return wrapError(c.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}))
}

func (c *MinioClient) RemoveBucket(ctx context.Context, bucket string) error {
	return wrapError(c.client.RemoveBucket(ctx, bucket))
}

func (c *MinioClient) RemoveObject(ctx context.Context, bucket, key string) error {
	return wrapError(c.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}))
}

func (c *MinioClient) HeadBucket(ctx context.Context, bucket string) error {
	exists, err := c.client.BucketExists(ctx, bucket)
	if err != nil {
		return wrapError(err)
	}
	if !exists {
		return &RemoteError{Code: "NoSuchBucket", StatusCode: 404}
	}
	return nil
}

func (c *MinioClient) BucketLocation(ctx context.Context, bucket string) (string, error) {
	loc, err := c.client.GetBucketLocation(ctx, bucket)
	if err != nil {
		return "", wrapError(err)
	}
	return loc, nil
}

func (c *MinioClient) BucketVersioning(ctx context.Context, bucket string) (string, error) {
	cfg, err := c.client.GetBucketVersioning(ctx, bucket)
	if err != nil {
		return "", wrapError(err)
	}
	return cfg.Status, nil
}

func (c *MinioClient) BucketPolicy(ctx context.Context, bucket string) (string, error) {
	policy, err := c.client.GetBucketPolicy(ctx, bucket)
	if err != nil {
		return "", wrapError(err)
	}
	if policy == "" {
		return "", &RemoteError{Code: "NoSuchBucketPolicy", StatusCode: 404}
	}
	return policy, nil
}

func (c *MinioClient) BucketTagging(ctx context.Context, bucket string) (map[string]string, error) {
	t, err := c.client.GetBucketTagging(ctx, bucket)
	if err != nil {
		return nil, wrapError(err)
	}
	return t.ToMap(), nil
}

func (c *MinioClient) HeadObject(ctx context.Context, bucket, key string) (Object, error) {
	info, err := c.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return Object{}, wrapError(err)
	}
	return Object{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		LastModified: info.LastModified,
		StorageClass: info.StorageClass,
		ContentType:  info.ContentType,
	}, nil
}

func (c *MinioClient) PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	u, err := c.client.PresignedGetObject(ctx, bucket, key, expiry, nil)
	if err != nil {
		return "", wrapError(err)
	}
	return u.String(), nil
}
