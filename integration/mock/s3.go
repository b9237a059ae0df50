// Package mock provides in-memory fakes for integration tests, adapted from
// the retrieval pack's in-memory S3 client pattern: a map keyed by
// bucket/key stands in for a real bucket so uploads and checkpoint
// round-trips can be tested without network access.
package mock

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Client implements s3uploader.Client entirely in memory.
type S3Client struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewS3Client creates an empty in-memory S3 client.
func NewS3Client() *S3Client {
	return &S3Client{objects: make(map[string][]byte)}
}

func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

// PutObject stores body under bucket/key, replacing anything already there.
func (c *S3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, fmt.Errorf("mock s3: reading body: %w", err)
	}
	c.mu.Lock()
	c.objects[objectKey(*params.Bucket, *params.Key)] = data
	c.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

// GetObject returns a previously put object, or a types.NoSuchKey error.
func (c *S3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	c.mu.Lock()
	data, ok := c.objects[objectKey(*params.Bucket, *params.Key)]
	c.mu.Unlock()
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

// Objects returns a snapshot of every stored key, for test assertions.
func (c *S3Client) Objects() map[string][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]byte, len(c.objects))
	for k, v := range c.objects {
		out[k] = v
	}
	return out
}
