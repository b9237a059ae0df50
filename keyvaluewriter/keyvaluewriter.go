// Package keyvaluewriter implements the Key/Value Writer (component C5): it
// batches decoded inventory keys into bulk "get" requests, streams the
// server's reply through protocol.BulkGetParser, and appends a flat-text
// record per returned value to a filesink.Sink. Keys the server does not
// return (expired or evicted between the metadump snapshot and the get) are
// dropped silently and only counted, matching the original tool's
// best-effort semantics.
package keyvaluewriter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"

	"github.com/gurre/memcachedumper/errkind"
	"github.com/gurre/memcachedumper/filesink"
	"github.com/gurre/memcachedumper/protocol"
)

// Counters receives progress notifications; metrics.Metrics satisfies this
// interface without keyvaluewriter needing to import the metrics package.
type Counters interface {
	KeysWritten()
	KeysMissing()
	BytesWritten(n int)
}

// pendingKey is one key queued for the next bulk get, carrying the
// expiration timestamp read from its inventory line so it can be stamped
// onto the output record once the value comes back.
type pendingKey struct {
	key string
	exp int64
}

// Writer batches and resolves keys against one checked-out connection. It
// is not safe for concurrent use; each scheduler worker owns its own.
type Writer struct {
	conn    net.Conn
	readBuf []byte
	sink    *filesink.Sink

	// bulkGetThreshold bounds the number of keys per "get" command.
	bulkGetThreshold int
	// byteCeiling bounds the approximate command size in bytes, resolving
	// the interaction between bulk_get_threshold and chunk_size: whichever
	// limit is reached first ends the current batch.
	byteCeiling int

	counters Counters

	pending      []pendingKey
	pendingBytes int
}

// New constructs a Writer over an already-checked-out connection. readBuf
// is reused across reads and should come from the shared buffer pool.
func New(conn net.Conn, readBuf []byte, sink *filesink.Sink, bulkGetThreshold, byteCeiling int, counters Counters) *Writer {
	return &Writer{
		conn:             conn,
		readBuf:          readBuf,
		sink:             sink,
		bulkGetThreshold: bulkGetThreshold,
		byteCeiling:      byteCeiling,
		counters:         counters,
	}
}

// ProcessKey queues key for the next bulk get. If adding it would exceed
// the bulk_get_threshold count or the byte ceiling, the pending batch is
// flushed first. ctx is checked before flushing, so cancellation is
// observed between batches rather than only at the caller's scan loop.
func (w *Writer) ProcessKey(ctx context.Context, key string, exp int64) error {
	add := len(key) + 1
	if len(w.pending) > 0 && (len(w.pending)+1 > w.bulkGetThreshold || w.pendingBytes+add > w.byteCeiling) {
		if err := w.FlushPending(ctx); err != nil {
			return err
		}
	}
	w.pending = append(w.pending, pendingKey{key: key, exp: exp})
	w.pendingBytes += add
	return nil
}

// FlushPending sends the queued keys as a single bulk get and processes the
// full reply, writing one record per returned value and counting any key
// the server did not return as missing. It is a no-op if nothing is queued.
func (w *Writer) FlushPending(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errkind.Wrap(errkind.ProcessFatal, err)
	}
	if len(w.pending) == 0 {
		return nil
	}
	batch := w.pending
	w.pending = nil
	w.pendingBytes = 0

	expByKey := make(map[string]int64, len(batch))
	var cmd bytes.Buffer
	cmd.WriteString("get")
	for _, pk := range batch {
		cmd.WriteByte(' ')
		cmd.WriteString(pk.key)
		expByKey[pk.key] = pk.exp
	}
	cmd.WriteString("\r\n")

	if err := w.writeFull(cmd.Bytes()); err != nil {
		return errkind.Wrap(errkind.TransientIO, err)
	}

	seen := make(map[string]bool, len(batch))
	parser := protocol.NewBulkGetParser()
	var curKey string
	var curFlags uint32
	var curValue bytes.Buffer

	for !parser.Done() {
		n, readErr := w.conn.Read(w.readBuf)
		if n > 0 {
			chunk := w.readBuf[:n]
			feedErr := parser.Feed(chunk, func(e protocol.Event) error {
				switch e.Kind {
				case protocol.EventValue:
					curKey = e.Key
					curFlags = e.Flags
					curValue.Reset()
				case protocol.EventValueData:
					curValue.Write(e.Data)
				case protocol.EventValueEnd:
					seen[curKey] = true
					if err := w.writeRecord(curKey, expByKey[curKey], curFlags, curValue.Bytes()); err != nil {
						return err
					}
					if w.counters != nil {
						w.counters.KeysWritten()
						w.counters.BytesWritten(curValue.Len())
					}
				}
				return nil
			})
			if feedErr != nil {
				return errkind.Wrap(errkind.ProtocolFraming, feedErr)
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				if finErr := parser.Finish(); finErr != nil {
					return errkind.Wrap(errkind.ProtocolFraming, finErr)
				}
				break
			}
			return errkind.Wrap(errkind.TransientIO, readErr)
		}
	}

	for _, pk := range batch {
		if !seen[pk.key] && w.counters != nil {
			w.counters.KeysMissing()
		}
	}
	return nil
}

func (w *Writer) writeRecord(key string, exp int64, flags uint32, value []byte) error {
	var rec bytes.Buffer
	fmt.Fprintf(&rec, "key=%s exp=%d flags=%d size=%d value=", key, exp, flags, len(value))
	rec.Write(value)
	rec.WriteByte('\n')
	if _, err := w.sink.Write(rec.Bytes()); err != nil {
		return errkind.Wrap(errkind.TransientIO, err)
	}
	return nil
}

func (w *Writer) writeFull(p []byte) error {
	for len(p) > 0 {
		n, err := w.conn.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// ByteCeiling derives the byte cap resolving the interaction between
// bulk_get_threshold and chunk_size (Open Question (a) in the design): the
// size of one "get" command (each key plus its separating space) is capped
// at chunkSize itself, the same size the response parser reads in, without
// requiring a second configuration knob. The cap does not bound the reply,
// which carries the values; FlushPending keeps reading until "END".
func ByteCeiling(chunkSize int) int {
	return chunkSize
}
