// Package checkpoint implements the append-only checkpoint log (component
// C9's resume mechanism, property P5): each inventory file that completes
// processing is appended as one line, fsynced before the append returns.
// Resuming a run means reloading this log and skipping any inventory file
// already present in it.
package checkpoint

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	json "github.com/goccy/go-json"
	"github.com/gurre/memcachedumper/s3uploader"
)

// State is the set of inventory files whose keys have already been fully
// resolved and written out; a resumed run skips every file it contains.
type State struct {
	CompletedFiles []string `json:"completedFiles"`
}

// Set returns State's completed files as a lookup set.
func (s State) Set() map[string]bool {
	m := make(map[string]bool, len(s.CompletedFiles))
	for _, f := range s.CompletedFiles {
		m[f] = true
	}
	return m
}

// Store is the checkpoint backend: Load reconstructs the full completed
// set (e.g. for resume), Append durably records one more completed file.
type Store interface {
	Load(ctx context.Context) (State, error)
	Append(ctx context.Context, file string) error
}

// FileStore persists the log as one inventory file path per line in a
// local file, using O_APPEND and fsync so a crash mid-write never corrupts
// entries already durable (P5).
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore opens (creating if necessary) a checkpoint log at path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint: path is required")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: opening %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("checkpoint: closing %s: %w", path, err)
	}
	return &FileStore{path: path}, nil
}

// Load reads every completed file path recorded so far.
func (s *FileStore) Load(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("checkpoint: reading %s: %w", s.path, err)
	}
	defer f.Close()

	var state State
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			state.CompletedFiles = append(state.CompletedFiles, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return State{}, fmt.Errorf("checkpoint: scanning %s: %w", s.path, err)
	}
	return state, nil
}

// Append records file as completed. The write is serialized against
// concurrent Append calls from other workers and fsynced before returning,
// so a completed-file entry is never lost once Append succeeds.
func (s *FileStore) Append(ctx context.Context, file string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("checkpoint: opening %s: %w", s.path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(file + "\n"); err != nil {
		return fmt.Errorf("checkpoint: appending to %s: %w", s.path, err)
	}
	return f.Sync()
}

// S3Store mirrors the checkpoint log to an S3 object. S3 has no native
// append, so Append loads the existing object, adds the new entry, and
// performs a full rewrite; a checkpoint log is bounded by the number of
// inventory files a single run produces, not by the number of keys, so
// this stays small even for a large cache.
type S3Store struct {
	mu     sync.Mutex
	client s3uploader.Client
	bucket string
	key    string
}

// NewS3Store creates an S3Store from an s3://bucket/key URI.
func NewS3Store(client s3uploader.Client, uri string) (*S3Store, error) {
	bucket, key, err := s3uploader.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	return &S3Store{client: client, bucket: bucket, key: key}, nil
}

// Load fetches and decodes the checkpoint object, or returns an empty
// State if it does not exist yet.
func (s *S3Store) Load(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *S3Store) loadLocked(ctx context.Context) (State, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &s.key})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("checkpoint: fetching s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer resp.Body.Close()

	var state State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return State{}, fmt.Errorf("checkpoint: decoding s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return state, nil
}

// Append loads the current object, adds file if not already present, and
// rewrites the object in full.
func (s *S3Store) Append(ctx context.Context, file string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked(ctx)
	if err != nil {
		return err
	}
	for _, existing := range state.CompletedFiles {
		if existing == file {
			return nil
		}
	}
	state.CompletedFiles = append(state.CompletedFiles, file)

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("checkpoint: encoding state: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &s.key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("checkpoint: saving s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return nil
}
