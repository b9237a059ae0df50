package keyvaluewriter

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/gurre/memcachedumper/errkind"
	"github.com/gurre/memcachedumper/filesink"
)

type fakeCounters struct {
	written, missing int
	bytes            int
}

func (c *fakeCounters) KeysWritten()        { c.written++ }
func (c *fakeCounters) KeysMissing()        { c.missing++ }
func (c *fakeCounters) BytesWritten(n int)  { c.bytes += n }

func newSink(t *testing.T) *filesink.Sink {
	t.Helper()
	sink, err := filesink.New(t.TempDir(), "data", 1<<20, filesink.LocateDataSplit)
	if err != nil {
		t.Fatalf("filesink.New: %v", err)
	}
	return sink
}

func TestFlushPendingWritesRecordsAndCountsMissing(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		buf := make([]byte, 4096)
		n, err := server.Read(buf)
		if err != nil {
			return
		}
		got := string(buf[:n])
		want := "get present absent\r\n"
		if got != want {
			t.Errorf("server received %q, want %q", got, want)
		}
		server.Write([]byte("VALUE present 7 5\r\nhello\r\nEND\r\n"))
		server.Close()
	}()

	sink := newSink(t)
	counters := &fakeCounters{}
	w := New(client, make([]byte, 4096), sink, 10, ByteCeiling(4096), counters)

	ctx := context.Background()
	if err := w.ProcessKey(ctx, "present", 1000); err != nil {
		t.Fatalf("ProcessKey: %v", err)
	}
	if err := w.ProcessKey(ctx, "absent", 2000); err != nil {
		t.Fatalf("ProcessKey: %v", err)
	}
	if err := w.FlushPending(ctx); err != nil {
		t.Fatalf("FlushPending: %v", err)
	}

	<-serverDone
	sink.Finish()

	if counters.written != 1 {
		t.Fatalf("expected 1 key written, got %d", counters.written)
	}
	if counters.missing != 1 {
		t.Fatalf("expected 1 key missing, got %d", counters.missing)
	}
	if counters.bytes != 5 {
		t.Fatalf("expected 5 bytes written, got %d", counters.bytes)
	}

	paths := sink.Completed()
	if len(paths) != 1 {
		t.Fatalf("expected 1 output file, got %d", len(paths))
	}
	content, err := os.ReadFile(paths[0])
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	want := "key=present exp=1000 flags=7 size=5 value=hello\n"
	if string(content) != want {
		t.Fatalf("output mismatch:\n got  %q\n want %q", content, want)
	}
}

func TestFlushPendingAutoFlushesAtThreshold(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	received := make(chan string, 2)
	go func() {
		buf := make([]byte, 4096)
		for i := 0; i < 2; i++ {
			n, err := server.Read(buf)
			if err != nil {
				return
			}
			received <- string(buf[:n])
			server.Write([]byte("END\r\n"))
		}
		server.Close()
	}()

	sink := newSink(t)
	w := New(client, make([]byte, 4096), sink, 1, ByteCeiling(4096), nil)

	ctx := context.Background()
	if err := w.ProcessKey(ctx, "a", 1); err != nil {
		t.Fatalf("ProcessKey a: %v", err)
	}
	// Adding a second key exceeds bulkGetThreshold=1, so the first flushes
	// automatically before "b" is queued.
	if err := w.ProcessKey(ctx, "b", 2); err != nil {
		t.Fatalf("ProcessKey b: %v", err)
	}
	if err := w.FlushPending(ctx); err != nil {
		t.Fatalf("FlushPending: %v", err)
	}

	select {
	case first := <-received:
		if first != "get a\r\n" {
			t.Fatalf("first batch = %q, want %q", first, "get a\r\n")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first batch")
	}
	select {
	case second := <-received:
		if second != "get b\r\n" {
			t.Fatalf("second batch = %q, want %q", second, "get b\r\n")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second batch")
	}
	sink.Finish()
}

func TestFlushPendingBrokenSocketMidValueIsIOOrFramingError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		buf := make([]byte, 4096)
		if _, err := server.Read(buf); err != nil {
			return
		}
		// Send a header promising 100 bytes of value, then drop the
		// connection before the value or its terminator arrives.
		server.Write([]byte("VALUE broken 0 100\r\nonly a few bytes"))
		server.Close()
	}()

	sink := newSink(t)
	w := New(client, make([]byte, 4096), sink, 10, ByteCeiling(4096), nil)

	ctx := context.Background()
	if err := w.ProcessKey(ctx, "broken", 1); err != nil {
		t.Fatalf("ProcessKey: %v", err)
	}
	err := w.FlushPending(ctx)
	if err == nil {
		t.Fatalf("expected an error for a connection closed mid-value")
	}
	if errkind.KindOf(err) != errkind.TransientIO && errkind.KindOf(err) != errkind.ProtocolFraming {
		t.Fatalf("expected TransientIO or ProtocolFraming, got %v (%v)", errkind.KindOf(err), err)
	}
	sink.Finish()
}

func TestByteCeilingEqualsChunkSize(t *testing.T) {
	if ByteCeiling(65536) != 65536 {
		t.Fatalf("expected ByteCeiling to pass through chunk size")
	}
}
