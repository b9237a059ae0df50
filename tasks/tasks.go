// Package tasks implements the scheduler.Task types that drive a dump run:
// MetadumpTask (C7) streams the server's key inventory to rotating
// inventory files, ProcessMetabufTask (C8) resolves one inventory file's
// keys into a data file, and S3UploadTask (C10) mirrors a completed file to
// S3. Each rotated inventory file becomes a new ProcessMetabufTask
// submitted reentrantly from within MetadumpTask's own Execute, and each
// rotated data file becomes a new S3UploadTask submitted the same way from
// ProcessMetabufTask — exactly the "a task submits further tasks" model
// the scheduler is built for.
package tasks

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gurre/memcachedumper/bufferpool"
	"github.com/gurre/memcachedumper/checkpoint"
	"github.com/gurre/memcachedumper/errkind"
	"github.com/gurre/memcachedumper/filesink"
	"github.com/gurre/memcachedumper/ipshard"
	"github.com/gurre/memcachedumper/keyvaluewriter"
	"github.com/gurre/memcachedumper/logging"
	"github.com/gurre/memcachedumper/metrics"
	"github.com/gurre/memcachedumper/protocol"
	"github.com/gurre/memcachedumper/retry"
	"github.com/gurre/memcachedumper/s3uploader"
	"github.com/gurre/memcachedumper/scheduler"
	"github.com/gurre/memcachedumper/socketpool"
	"github.com/gurre/memcachedumper/urldecode"
)

// Deps bundles every shared resource a task needs. Uploader may be nil
// (S3 mirroring disabled); AllIPs/DestIPs may be empty (no shard filter).
type Deps struct {
	Buffers    *bufferpool.Pool
	Sockets    *socketpool.Pool
	Scheduler  *scheduler.Pool
	Checkpoint checkpoint.Store
	Metrics    *metrics.Metrics
	DataSink   *filesink.Sink
	Uploader   s3uploader.Uploader

	BulkGetThreshold int
	ChunkSize        int
	OnlyExpireAfter  int64 // seconds; 0 disables TTL filtering
	AllIPs           []string
	DestIPs          []string

	// AlreadyCompleted holds inventory file paths (by base name) a
	// resumed run should skip because a prior run already finished them.
	AlreadyCompleted map[string]bool
}

func (d *Deps) ipFilterEnabled() bool {
	return len(d.AllIPs) > 0 && len(d.DestIPs) > 0
}

// MetadumpTask issues "lru_crawler metadump all" and streams the reply
// into rotating inventory files, submitting a ProcessMetabufTask for each
// one as it completes.
type MetadumpTask struct {
	Deps           *Deps
	OutputDir      string
	Prefix         string // usually "inventory"
	MaxKeyFileSize int
}

// Execute implements scheduler.Task.
func (t *MetadumpTask) Execute(ctx context.Context) error {
	log := logging.For("metadump")

	conn, err := t.Deps.Sockets.Checkout()
	if err != nil {
		return errkind.Wrap(errkind.TransientIO, err)
	}

	if _, err := conn.Write([]byte("lru_crawler metadump all\n")); err != nil {
		t.Deps.Sockets.ReleaseBroken(conn)
		return errkind.Wrap(errkind.TransientIO, fmt.Errorf("sending metadump command: %w", err))
	}

	sink, err := filesink.New(t.OutputDir, t.Prefix, t.MaxKeyFileSize, filesink.LocateInventorySplit)
	if err != nil {
		t.Deps.Sockets.ReleaseBroken(conn)
		return errkind.Wrap(errkind.Configuration, err)
	}
	sink.OnRotate = func(path string) {
		t.Deps.Scheduler.Submit(&ProcessMetabufTask{
			Deps:      t.Deps,
			InputPath: path,
		})
	}

	scanner := protocol.NewMetadumpScanner()
	for !scanner.Done() {
		if err := ctx.Err(); err != nil {
			t.Deps.Sockets.ReleaseBroken(conn)
			return errkind.Wrap(errkind.ProcessFatal, err)
		}

		buf, err := t.Deps.Buffers.Checkout()
		if err != nil {
			t.Deps.Sockets.ReleaseBroken(conn)
			return errkind.Wrap(errkind.ProcessFatal, err)
		}

		n, readErr := conn.Read(buf)
		if n > 0 {
			writable, done := scanner.Feed(buf[:n])
			if len(writable) > 0 {
				if _, werr := sink.Write(writable); werr != nil {
					t.Deps.Buffers.Return(buf)
					t.Deps.Sockets.ReleaseBroken(conn)
					return errkind.Wrap(errkind.TransientIO, werr)
				}
			}
			_ = done
		}
		t.Deps.Buffers.Return(buf)

		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			t.Deps.Sockets.ReleaseBroken(conn)
			return errkind.Wrap(errkind.TransientIO, readErr)
		}
	}

	if err := scanner.Finish(); err != nil {
		t.Deps.Sockets.ReleaseBroken(conn)
		return errkind.Wrap(errkind.ProtocolFraming, err)
	}
	if err := sink.Finish(); err != nil {
		t.Deps.Sockets.Release(conn)
		return errkind.Wrap(errkind.TransientIO, err)
	}
	t.Deps.Sockets.Release(conn)

	log.Info("metadump stream complete")
	return nil
}

// ProcessMetabufTask parses one completed inventory file, filters its
// keys, resolves them against the server via a bulk get, and writes the
// resulting records to the shared data sink.
type ProcessMetabufTask struct {
	Deps      *Deps
	InputPath string
}

// Execute implements scheduler.Task.
func (t *ProcessMetabufTask) Execute(ctx context.Context) error {
	log := logging.For("process_metabuf")

	base := filepath.Base(t.InputPath)
	if t.Deps.AlreadyCompleted[base] {
		log.WithField("file", base).Info("skipping already-completed inventory file (resume)")
		return nil
	}

	f, err := os.Open(t.InputPath)
	if err != nil {
		return errkind.Wrap(errkind.TransientIO, err)
	}
	defer f.Close()

	conn, err := t.Deps.Sockets.Checkout()
	if err != nil {
		return errkind.Wrap(errkind.TransientIO, err)
	}

	readBuf, err := t.Deps.Buffers.Checkout()
	if err != nil {
		t.Deps.Sockets.Release(conn)
		return errkind.Wrap(errkind.ProcessFatal, err)
	}

	writer := keyvaluewriter.New(conn, readBuf, t.Deps.DataSink, t.Deps.BulkGetThreshold,
		keyvaluewriter.ByteCeiling(t.Deps.ChunkSize), t.Deps.Metrics)

	now := time.Now().Unix()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			t.Deps.Buffers.Return(readBuf)
			t.Deps.Sockets.ReleaseBroken(conn)
			return errkind.Wrap(errkind.ProcessFatal, err)
		}

		key, exp, ok := parseInventoryLine(scanner.Text())
		if !ok {
			continue
		}
		t.Deps.Metrics.KeySeen()

		if t.Deps.OnlyExpireAfter != 0 && exp > 0 && exp-now < t.Deps.OnlyExpireAfter {
			t.Deps.Metrics.KeyFiltered()
			continue
		}
		decoded, err := urldecode.Decode(key)
		if err != nil {
			t.Deps.Metrics.KeyFiltered()
			continue
		}
		if t.Deps.ipFilterEnabled() && !ipshard.In(decoded, t.Deps.AllIPs, t.Deps.DestIPs) {
			t.Deps.Metrics.KeyFiltered()
			continue
		}
		if err := writer.ProcessKey(ctx, decoded, exp); err != nil {
			t.Deps.Buffers.Return(readBuf)
			t.Deps.Sockets.ReleaseBroken(conn)
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		t.Deps.Buffers.Return(readBuf)
		t.Deps.Sockets.ReleaseBroken(conn)
		return errkind.Wrap(errkind.TransientIO, err)
	}

	if err := writer.FlushPending(ctx); err != nil {
		t.Deps.Buffers.Return(readBuf)
		t.Deps.Sockets.ReleaseBroken(conn)
		return err
	}

	t.Deps.Buffers.Return(readBuf)
	t.Deps.Sockets.Release(conn)

	if err := t.Deps.Checkpoint.Append(ctx, base); err != nil {
		return errkind.Wrap(errkind.TransientIO, err)
	}
	return nil
}

// maxUploadAttempts bounds the object-store upload client's retry internals:
// a completed file is retried with backoff rather than abandoned on the
// first transient network error, since re-running the whole dump just to
// mirror one file is far more expensive than a few retried PUTs.
const maxUploadAttempts = 4

// S3UploadTask mirrors one completed local file to S3.
type S3UploadTask struct {
	Uploader  s3uploader.Uploader
	LocalPath string
	RemoteKey string
}

// Execute implements scheduler.Task. Mirroring is best-effort: a file that
// never makes it to S3 does not fail the dump, so a failure here is logged
// and swallowed rather than returned, keeping the pool's recorded error
// reserved for failures that mean the dump itself did not complete.
func (t *S3UploadTask) Execute(ctx context.Context) error {
	if t.Uploader == nil {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < maxUploadAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retry.Backoff(attempt - 1)):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = maxUploadAttempts
				continue
			}
		}
		if err := t.Uploader.Upload(ctx, t.LocalPath, t.RemoteKey); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	logging.For("s3_upload").
		WithField("path", t.LocalPath).
		WithField("err", lastErr).
		Error("giving up mirroring file to S3, dump itself is unaffected")
	return nil
}

// parseInventoryLine extracts the key= and exp= fields from one metadump
// inventory line ("key=<urlencoded> exp=<n> la=<n> cas=<n> fetch=<yes|no>
// cls=<n> size=<n>"); other fields are present but not needed downstream.
func parseInventoryLine(line string) (key string, exp int64, ok bool) {
	fields := strings.Fields(line)
	for _, f := range fields {
		if v, found := strings.CutPrefix(f, "key="); found {
			key = v
			ok = true
		} else if v, found := strings.CutPrefix(f, "exp="); found {
			exp, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	return key, exp, ok
}

var _ scheduler.Task = (*MetadumpTask)(nil)
var _ scheduler.Task = (*ProcessMetabufTask)(nil)
var _ scheduler.Task = (*S3UploadTask)(nil)
