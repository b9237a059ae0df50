// Package coordinator wires every component together into one dump run
// (component C9): it builds the buffer/socket pools and scheduler, submits
// the initial metadump task, waits for the run to quiesce, and produces the
// final report. It keeps the teacher's signal-handling and progress-ticker
// shape, generalized from a channel-based worker pool to the task scheduler.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/gurre/memcachedumper/bufferpool"
	"github.com/gurre/memcachedumper/checkpoint"
	"github.com/gurre/memcachedumper/config"
	"github.com/gurre/memcachedumper/logging"
	"github.com/gurre/memcachedumper/metrics"
	"github.com/gurre/memcachedumper/metricsserver"
	"github.com/gurre/memcachedumper/s3uploader"
	"github.com/gurre/memcachedumper/scheduler"
	"github.com/gurre/memcachedumper/socketpool"
	"github.com/gurre/memcachedumper/tasks"
)

// ReportUploader uploads the final report to a durable location;
// *s3uploader.S3Uploader satisfies this directly.
type ReportUploader interface {
	Upload(ctx context.Context, localPath, remoteKey string) error
}

// Coordinator owns every shared resource for one dump run and sequences
// startup, execution, and shutdown.
type Coordinator struct {
	cfg            *config.Config
	checkpointStor checkpoint.Store
	uploader       s3uploader.Uploader
	reportUploader ReportUploader
}

// New creates a Coordinator. checkpointStore and uploader may be nil
// (resume disabled, S3 mirroring disabled, respectively); reportUploader
// may be nil to skip uploading the final report.
func New(cfg *config.Config, checkpointStore checkpoint.Store, uploader s3uploader.Uploader, reportUploader ReportUploader) *Coordinator {
	return &Coordinator{
		cfg:            cfg,
		checkpointStor: checkpointStore,
		uploader:       uploader,
		reportUploader: reportUploader,
	}
}

// Run executes one full dump: it validates configuration, prepares the
// output directory, constructs the pools and scheduler, submits the
// metadump task, waits for quiescence, and prints/uploads the final report.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("coordinator: invalid configuration: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	log := logging.For("coordinator")

	if !c.cfg.ResumeMode {
		if err := rejectNonEmptyOutputDir(c.cfg.OutputDirPath); err != nil {
			return fmt.Errorf("coordinator: %w", err)
		}
	}
	if err := os.MkdirAll(c.cfg.OutputDirPath, 0o755); err != nil {
		return fmt.Errorf("coordinator: creating output dir: %w", err)
	}

	alreadyCompleted := map[string]bool{}
	if c.cfg.ResumeMode && c.checkpointStor != nil {
		state, err := c.checkpointStor.Load(ctx)
		if err != nil {
			return fmt.Errorf("coordinator: loading checkpoint: %w", err)
		}
		alreadyCompleted = state.Set()
		log.WithField("count", len(alreadyCompleted)).Info("resuming run, skipping already-completed inventory files")
	}

	allIPs, destIPs, err := loadShardFilter(c.cfg)
	if err != nil {
		return fmt.Errorf("coordinator: loading shard filter: %w", err)
	}

	buffers, err := bufferpool.New(bufferpool.MinCapacity(c.cfg.NumThreads), c.cfg.ChunkSize)
	if err != nil {
		return fmt.Errorf("coordinator: building buffer pool: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", c.cfg.MemcachedHostname, c.cfg.MemcachedPort)
	sockets, err := socketpool.NewTCP(c.cfg.NumThreads, addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("coordinator: building socket pool: %w", err)
	}

	m := metrics.NewMetrics()

	checkpointStore := c.checkpointStor
	if checkpointStore == nil {
		checkpointStore = checkpoint.NewMemoryStore()
	}

	dataSink, err := newFilesink(c.cfg.OutputDirPath, "data", c.cfg.MaxDataFileSize)
	if err != nil {
		return fmt.Errorf("coordinator: building data sink: %w", err)
	}

	pool := scheduler.New(ctx, c.cfg.NumThreads)

	deps := &tasks.Deps{
		Buffers:          buffers,
		Sockets:          sockets,
		Scheduler:        pool,
		Checkpoint:       checkpointStore,
		Metrics:          m,
		DataSink:         dataSink,
		Uploader:         c.uploader,
		BulkGetThreshold: c.cfg.BulkGetThreshold,
		ChunkSize:        c.cfg.ChunkSize,
		OnlyExpireAfter:  c.cfg.OnlyExpireAfter,
		AllIPs:           allIPs,
		DestIPs:          destIPs,
		AlreadyCompleted: alreadyCompleted,
	}

	if c.uploader != nil {
		dataSink.OnRotate = func(path string) {
			pool.Submit(&tasks.S3UploadTask{
				Uploader:  c.uploader,
				LocalPath: path,
				RemoteKey: filepath.Base(path),
			})
		}
	}

	var metricsSrv *metricsserver.Server
	if c.cfg.MetricsAddr != "" {
		metricsSrv = metricsserver.New(c.cfg.MetricsAddr, m)
		metricsSrv.Start()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	stopProgress := make(chan struct{})
	go c.reportProgress(m, stopProgress)
	defer close(stopProgress)

	metadumpPrefix := "inventory"
	if c.cfg.ReqID != "" {
		metadumpPrefix = c.cfg.ReqID + "-inventory"
	}
	if err := pool.Submit(&tasks.MetadumpTask{
		Deps:           deps,
		OutputDir:      c.cfg.OutputDirPath,
		Prefix:         metadumpPrefix,
		MaxKeyFileSize: c.cfg.MaxKeyFileSize,
	}); err != nil {
		return fmt.Errorf("coordinator: submitting metadump task: %w", err)
	}

	pool.AwaitQuiescence()
	if err := dataSink.Finish(); err != nil {
		return fmt.Errorf("coordinator: finishing data sink: %w", err)
	}
	// Finish may have rotated one final file, submitting one more
	// S3UploadTask via OnRotate; wait for it before shutting the pool down.
	pool.AwaitQuiescence()
	if metricsSrv != nil {
		metricsSrv.MarkDone()
	}
	pool.Stop()
	pool.Join()

	if err := pool.Err(); err != nil {
		return fmt.Errorf("coordinator: run failed: %w", err)
	}

	report := m.GenerateReport()
	fmt.Println(report.String())

	if c.reportUploader != nil {
		reportPath := filepath.Join(c.cfg.OutputDirPath, "report.json")
		if err := writeReportFile(reportPath, report); err != nil {
			return fmt.Errorf("coordinator: writing report file: %w", err)
		}
		remoteKey := "report.json"
		if c.cfg.ReqID != "" {
			remoteKey = c.cfg.ReqID + "-report.json"
		}
		if err := c.reportUploader.Upload(ctx, reportPath, remoteKey); err != nil {
			return fmt.Errorf("coordinator: uploading report: %w", err)
		}
		log.WithField("key", remoteKey).Info("report uploaded")
	}

	return nil
}

// reportProgress prints a progress line on a fixed interval until stop is
// closed, matching the teacher's periodic stdout ticker generalized from
// per-worker item/batch counts to the shared metrics snapshot.
func (c *Coordinator) reportProgress(m *metrics.Metrics, stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r := m.GenerateReport()
			fmt.Printf("progress: %d seen, %d written, %d missing, %d filtered\n",
				r.KeysSeen, r.KeysWritten, r.KeysMissing, r.KeysFiltered)
		case <-stop:
			return
		}
	}
}
