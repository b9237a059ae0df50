package coordinator

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gurre/memcachedumper/checkpoint"
	"github.com/gurre/memcachedumper/config"
)

type fakeEntry struct {
	flags uint32
	value []byte
}

func startFakeMemcached(t *testing.T, inventory []string, store map[string]fakeEntry) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFakeConn(conn, inventory, store)
		}
	}()
	return ln.Addr().String()
}

func serveFakeConn(conn net.Conn, inventory []string, store map[string]fakeEntry) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "lru_crawler metadump all":
			for _, inv := range inventory {
				conn.Write([]byte(inv + "\n"))
			}
			conn.Write([]byte("END\r\n"))
		case strings.HasPrefix(line, "get "):
			keys := strings.Fields(line)[1:]
			for _, k := range keys {
				if e, ok := store[k]; ok {
					fmt.Fprintf(conn, "VALUE %s %d %d\r\n", k, e.flags, len(e.value))
					conn.Write(e.value)
					conn.Write([]byte("\r\n"))
				}
			}
			conn.Write([]byte("END\r\n"))
		default:
			return
		}
	}
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		t.Fatalf("parsing port: %v", err)
	}
	return host, port
}

func TestCoordinatorRunEndToEnd(t *testing.T) {
	inventory := []string{
		"key=alpha exp=0 la=0 cas=1 fetch=no cls=1 size=10",
		"key=beta exp=0 la=0 cas=2 fetch=no cls=1 size=10",
	}
	store := map[string]fakeEntry{
		"alpha": {value: []byte("hello")},
		"beta":  {value: []byte("world!")},
	}
	addr := startFakeMemcached(t, inventory, store)
	host, port := splitHostPort(t, addr)

	outDir := t.TempDir()
	cfg := &config.Config{
		MemcachedHostname: host,
		MemcachedPort:     port,
		NumThreads:        2,
		ChunkSize:         4096,
		BulkGetThreshold:  50,
		MaxMemoryLimit:    4096 * 4,
		MaxKeyFileSize:    1 << 20,
		MaxDataFileSize:   1 << 20,
		OutputDirPath:     outDir,
	}

	checkpointStore := checkpoint.NewMemoryStore()
	coord := New(cfg, checkpointStore, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := coord.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var sawData bool
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "data-") {
			sawData = true
			b, err := os.ReadFile(filepath.Join(outDir, e.Name()))
			if err != nil {
				t.Fatalf("reading %s: %v", e.Name(), err)
			}
			if !strings.Contains(string(b), "key=alpha") {
				continue
			}
		}
	}
	if !sawData {
		t.Fatalf("expected at least one data-* file in %s, found %v", outDir, entries)
	}

	state, err := checkpointStore.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(state.CompletedFiles) != 1 {
		t.Fatalf("expected 1 completed inventory file, got %v", state.CompletedFiles)
	}
}

func TestCoordinatorRejectsInvalidConfig(t *testing.T) {
	cfg := &config.Config{} // missing everything
	coord := New(cfg, nil, nil, nil)
	if err := coord.Run(context.Background()); err == nil {
		t.Fatal("expected an error for an invalid configuration")
	}
}
