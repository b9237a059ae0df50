// Package s3uploader mirrors completed dump files, checkpoint state, and
// the final metrics report to S3 (component C10 plus the S3-hosted
// checkpoint/report backends). It adapts the thin AWS SDK client wrapper
// pattern used elsewhere in the retrieval pack: a narrow interface over the
// handful of S3 operations actually used, so tests substitute a fake
// without a live AWS account.
package s3uploader

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Client is the narrow S3 surface every consumer in this module needs:
// checkpoint.S3Store, the report uploader, and the dump-file Uploader
// below all depend on this interface instead of *s3.Client directly.
type Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ClientImpl adapts *s3.Client to Client; the method set already matches,
// this only exists so call sites depend on the local interface.
type ClientImpl struct {
	client *s3.Client
}

// NewClient wraps an AWS SDK S3 client.
func NewClient(client *s3.Client) *ClientImpl {
	return &ClientImpl{client: client}
}

func (c *ClientImpl) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return c.client.GetObject(ctx, params, optFns...)
}

func (c *ClientImpl) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return c.client.PutObject(ctx, params, optFns...)
}

var _ Client = (*ClientImpl)(nil)
var _ Client = (*s3.Client)(nil)

// Uploader is the S3 Upload Task's (C10) dependency: it copies one
// completed local file to a remote key.
type Uploader interface {
	Upload(ctx context.Context, localPath, remoteKey string) error
}

// S3Uploader uploads local dump files under a fixed bucket and key prefix.
type S3Uploader struct {
	client Client
	bucket string
	prefix string
}

// New constructs an S3Uploader. prefix is the s3_path configuration value
// and is joined with each remoteKey passed to Upload.
func New(client Client, bucket, prefix string) *S3Uploader {
	return &S3Uploader{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Upload streams localPath's contents to bucket/prefix/remoteKey. The file
// is opened and streamed rather than read fully into memory, since dump
// files can reach max_data_file_size.
func (u *S3Uploader) Upload(ctx context.Context, localPath, remoteKey string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("s3uploader: opening %s: %w", localPath, err)
	}
	defer f.Close()

	key := remoteKey
	if u.prefix != "" {
		key = path.Join(u.prefix, remoteKey)
	}
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &u.bucket,
		Key:    &key,
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("s3uploader: uploading %s to s3://%s/%s: %w", localPath, u.bucket, key, err)
	}
	return nil
}

// ParseURI splits an "s3://bucket/key" URI into its bucket and key parts,
// used by the checkpoint and report S3 backends to resolve their
// configured destination.
func ParseURI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("invalid S3 URI: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("S3 URI must use the s3 scheme, got %q", u.Scheme)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}
