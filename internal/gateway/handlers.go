package gateway

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/shsh-cloudlabs/internal/cloud"
)

const (
	listTimeLayout    = "2006-01-02 15:04:05"
	defaultPresignTTL = time.Hour
	maxPresignTTL     = 7 * 24 * time.Hour
)

// HandlerFunc performs one remote call and returns its output. A string
// result is written to stdout verbatim; any other value is rendered as JSON.
type HandlerFunc func(ctx context.Context, api cloud.API, args Args) (any, error)

// Handler binds a command to the remote operation it performs.
type Handler struct {
	// Operation is the remote operation name used in diagnostics.
	Operation string
	Run       HandlerFunc
}

type handlerKey struct {
	capability string
	operation  string
}

// Table is a registry of handlers keyed by capability and operation.
type Table struct {
	handlers map[handlerKey]Handler
}

// NewTable creates an empty handler table.
func NewTable() *Table {
	return &Table{handlers: make(map[handlerKey]Handler)}
}

// Register adds or replaces a handler.
func (t *Table) Register(capability, operation string, h Handler) {
	t.handlers[handlerKey{capability, operation}] = h
}

// Lookup returns the handler for a dispatch target.
func (t *Table) Lookup(capability, operation string) (Handler, bool) {
	h, ok := t.handlers[handlerKey{capability, operation}]
	return h, ok
}

// DefaultTable returns the handlers for the supported command grammar.
func DefaultTable() *Table {
	t := NewTable()

	t.Register("s3", "ls", Handler{Operation: "ListObjectsV2", Run: s3List})
	t.Register("s3", "mb", Handler{Operation: "CreateBucket", Run: s3MakeBucket})
	t.Register("s3", "rb", Handler{Operation: "DeleteBucket", Run: s3RemoveBucket})
	t.Register("s3", "rm", Handler{Operation: "DeleteObject", Run: s3Remove})
	t.Register("s3", "presign", Handler{Operation: "GetObject", Run: s3Presign})

	t.Register("s3api", "list-buckets", Handler{Operation: "ListBuckets", Run: apiListBuckets})
	t.Register("s3api", "head-bucket", Handler{Operation: "HeadBucket", Run: apiHeadBucket})
	t.Register("s3api", "list-objects-v2", Handler{Operation: "ListObjectsV2", Run: apiListObjects})
	t.Register("s3api", "get-bucket-location", Handler{Operation: "GetBucketLocation", Run: apiBucketLocation})
	t.Register("s3api", "get-bucket-versioning", Handler{Operation: "GetBucketVersioning", Run: apiBucketVersioning})
	t.Register("s3api", "get-bucket-policy", Handler{Operation: "GetBucketPolicy", Run: apiBucketPolicy})
	t.Register("s3api", "get-bucket-tagging", Handler{Operation: "GetBucketTagging", Run: apiBucketTagging})
	t.Register("s3api", "head-object", Handler{Operation: "HeadObject", Run: apiHeadObject})

	t.Register("sts", "get-caller-identity", Handler{Operation: "GetCallerIdentity", Run: stsCallerIdentity})

	return t
}

// operationFor names the remote operation a parsed command performs. A bare
// listing hits ListBuckets rather than ListObjectsV2.
func operationFor(h Handler, cmd ParsedCommand) string {
	if cmd.Capability == "s3" && cmd.Operation == "ls" && len(cmd.Args.Positional) == 0 {
		return "ListBuckets"
	}
	return h.Operation
}

func s3List(ctx context.Context, api cloud.API, args Args) (any, error) {
	uri, ok := args.Arg(0)
	if !ok {
		buckets, err := api.ListBuckets(ctx)
		if err != nil {
			return nil, err
		}
		var b strings.Builder
		for _, bucket := range buckets {
			fmt.Fprintf(&b, "%s %s\n", bucket.CreationDate.UTC().Format(listTimeLayout), bucket.Name)
		}
		return b.String(), nil
	}

	bucket, prefix, err := ParseS3URI(uri)
	if err != nil {
		return nil, err
	}
	recursive := args.Bool("recursive")
	objects, err := api.ListObjects(ctx, bucket, prefix, recursive)
	if err != nil {
		return nil, err
	}

	base := ""
	if !recursive {
		if i := strings.LastIndex(prefix, "/"); i >= 0 {
			base = prefix[:i+1]
		}
	}
	var b strings.Builder
	for _, obj := range objects {
		name := strings.TrimPrefix(obj.Key, base)
		if obj.IsPrefix {
			fmt.Fprintf(&b, "%30s %s\n", "PRE", name)
			continue
		}
		fmt.Fprintf(&b, "%s %10d %s\n", obj.LastModified.UTC().Format(listTimeLayout), obj.Size, name)
	}
	return b.String(), nil
}

func s3MakeBucket(ctx context.Context, api cloud.API, args Args) (any, error) {
	bucket, err := bucketArg(args)
	if err != nil {
		return nil, err
	}
	region, _ := args.Flag("region")
	if err := api.MakeBucket(ctx, bucket, region); err != nil {
		return nil, err
	}
	return fmt.Sprintf("make_bucket: %s\n", bucket), nil
}

func s3RemoveBucket(ctx context.Context, api cloud.API, args Args) (any, error) {
	bucket, err := bucketArg(args)
	if err != nil {
		return nil, err
	}
	if err := api.RemoveBucket(ctx, bucket); err != nil {
		return nil, err
	}
	return fmt.Sprintf("remove_bucket: %s\n", bucket), nil
}

func s3Remove(ctx context.Context, api cloud.API, args Args) (any, error) {
	bucket, key, err := objectArg(args)
	if err != nil {
		return nil, err
	}
	if err := api.RemoveObject(ctx, bucket, key); err != nil {
		return nil, err
	}
	return fmt.Sprintf("delete: s3://%s/%s\n", bucket, key), nil
}

func s3Presign(ctx context.Context, api cloud.API, args Args) (any, error) {
	bucket, key, err := objectArg(args)
	if err != nil {
		return nil, err
	}
	expiry := defaultPresignTTL
	if raw, ok := args.Flag("expires-in"); ok {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			return nil, usagef("invalid value for --expires-in: %q", raw)
		}
		expiry = time.Duration(secs) * time.Second
		if expiry > maxPresignTTL {
			return nil, usagef("--expires-in must not exceed %d seconds", int(maxPresignTTL.Seconds()))
		}
	}
	u, err := api.PresignGet(ctx, bucket, key, expiry)
	if err != nil {
		return nil, err
	}
	return u + "\n", nil
}

type bucketEntry struct {
	Name         string `json:"Name"`
	CreationDate string `json:"CreationDate"`
}

type ownerEntry struct {
	DisplayName string `json:"DisplayName"`
	ID          string `json:"ID"`
}

func apiListBuckets(ctx context.Context, api cloud.API, _ Args) (any, error) {
	buckets, err := api.ListBuckets(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]bucketEntry, 0, len(buckets))
	for _, b := range buckets {
		entries = append(entries, bucketEntry{Name: b.Name, CreationDate: isoTime(b.CreationDate)})
	}
	return struct {
		Buckets []bucketEntry `json:"Buckets"`
		Owner   ownerEntry    `json:"Owner"`
	}{Buckets: entries, Owner: ownerEntry{DisplayName: "sandbox", ID: "sandbox"}}, nil
}

func apiHeadBucket(ctx context.Context, api cloud.API, args Args) (any, error) {
	bucket, err := args.Require("bucket")
	if err != nil {
		return nil, err
	}
	if err := api.HeadBucket(ctx, bucket); err != nil {
		return nil, err
	}
	return nil, nil
}

type objectEntry struct {
	Key          string `json:"Key"`
	LastModified string `json:"LastModified"`
	ETag         string `json:"ETag"`
	Size         int64  `json:"Size"`
	StorageClass string `json:"StorageClass"`
}

func apiListObjects(ctx context.Context, api cloud.API, args Args) (any, error) {
	bucket, err := args.Require("bucket")
	if err != nil {
		return nil, err
	}
	prefix, _ := args.Flag("prefix")
	objects, err := api.ListObjects(ctx, bucket, prefix, true)
	if err != nil {
		return nil, err
	}
	contents := make([]objectEntry, 0, len(objects))
	for _, o := range objects {
		sc := o.StorageClass
		if sc == "" {
			sc = "STANDARD"
		}
		contents = append(contents, objectEntry{
			Key:          o.Key,
			LastModified: isoTime(o.LastModified),
			ETag:         quoteETag(o.ETag),
			Size:         o.Size,
			StorageClass: sc,
		})
	}
	return struct {
		Contents []objectEntry `json:"Contents,omitempty"`
		Name     string        `json:"Name"`
		Prefix   string        `json:"Prefix"`
		KeyCount int           `json:"KeyCount"`
	}{Contents: contents, Name: bucket, Prefix: prefix, KeyCount: len(contents)}, nil
}

func apiBucketLocation(ctx context.Context, api cloud.API, args Args) (any, error) {
	bucket, err := args.Require("bucket")
	if err != nil {
		return nil, err
	}
	loc, err := api.BucketLocation(ctx, bucket)
	if err != nil {
		return nil, err
	}
	// us-east-1 is reported as a null constraint.
	var constraint *string
	if loc != "" && loc != "us-east-1" {
		constraint = &loc
	}
	return struct {
		LocationConstraint *string `json:"LocationConstraint"`
	}{constraint}, nil
}

func apiBucketVersioning(ctx context.Context, api cloud.API, args Args) (any, error) {
	bucket, err := args.Require("bucket")
	if err != nil {
		return nil, err
	}
	status, err := api.BucketVersioning(ctx, bucket)
	if err != nil {
		return nil, err
	}
	return struct {
		Status string `json:"Status,omitempty"`
	}{status}, nil
}

func apiBucketPolicy(ctx context.Context, api cloud.API, args Args) (any, error) {
	bucket, err := args.Require("bucket")
	if err != nil {
		return nil, err
	}
	policy, err := api.BucketPolicy(ctx, bucket)
	if err != nil {
		return nil, err
	}
	return struct {
		Policy string `json:"Policy"`
	}{policy}, nil
}

type tagEntry struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

func apiBucketTagging(ctx context.Context, api cloud.API, args Args) (any, error) {
	bucket, err := args.Require("bucket")
	if err != nil {
		return nil, err
	}
	tags, err := api.BucketTagging(ctx, bucket)
	if err != nil {
		return nil, err
	}
	set := make([]tagEntry, 0, len(tags))
	for k, v := range tags {
		set = append(set, tagEntry{Key: k, Value: v})
	}
	sort.Slice(set, func(i, j int) bool { return set[i].Key < set[j].Key })
	return struct {
		TagSet []tagEntry `json:"TagSet"`
	}{set}, nil
}

func apiHeadObject(ctx context.Context, api cloud.API, args Args) (any, error) {
	bucket, err := args.Require("bucket")
	if err != nil {
		return nil, err
	}
	key, err := args.Require("key")
	if err != nil {
		return nil, err
	}
	obj, err := api.HeadObject(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	return struct {
		LastModified  string `json:"LastModified"`
		ContentLength int64  `json:"ContentLength"`
		ETag          string `json:"ETag"`
		ContentType   string `json:"ContentType,omitempty"`
	}{isoTime(obj.LastModified), obj.Size, quoteETag(obj.ETag), obj.ContentType}, nil
}

func stsCallerIdentity(ctx context.Context, api cloud.API, _ Args) (any, error) {
	id, err := api.CallerIdentity(ctx)
	if err != nil {
		return nil, err
	}
	return struct {
		UserID  string `json:"UserId"`
		Account string `json:"Account"`
		Arn     string `json:"Arn"`
	}{id.UserID, id.Account, id.Arn}, nil
}

func bucketArg(args Args) (string, error) {
	uri, ok := args.Arg(0)
	if !ok {
		return "", usagef("the following arguments are required: path")
	}
	bucket, _, err := ParseS3URI(uri)
	return bucket, err
}

func objectArg(args Args) (bucket, key string, err error) {
	uri, ok := args.Arg(0)
	if !ok {
		return "", "", usagef("the following arguments are required: path")
	}
	bucket, key, err = ParseS3URI(uri)
	if err != nil {
		return "", "", err
	}
	if key == "" || strings.HasSuffix(key, "/") {
		return "", "", usagef("%s does not name an object", uri)
	}
	return bucket, key, nil
}

func isoTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func quoteETag(etag string) string {
	if etag == "" || strings.HasPrefix(etag, `"`) {
		return etag
	}
	return `"` + etag + `"`
}
