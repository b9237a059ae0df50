// Package main implements the memcachedumper command-line interface: it
// parses flags, validates configuration, wires every component together
// through coordinator.Coordinator, and runs one dump.
package main

import (
	"context"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	flag "github.com/spf13/pflag"

	"github.com/gurre/memcachedumper/checkpoint"
	"github.com/gurre/memcachedumper/config"
	"github.com/gurre/memcachedumper/coordinator"
	"github.com/gurre/memcachedumper/logging"
	"github.com/gurre/memcachedumper/s3uploader"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	hostname := flag.String("memcached-hostname", "", "memcached server hostname (required)")
	port := flag.Int("memcached-port", 11211, "memcached server port")
	numThreads := flag.Int("num-threads", 4, "number of worker threads")
	chunkSize := flag.Int("chunk-size", 64*1024, "socket read buffer size in bytes")
	bulkGetThreshold := flag.Int("bulk-get-threshold", 200, "max keys per bulk get command")
	maxMemoryLimit := flag.Int("max-memory-limit", 0, "buffer pool memory ceiling in bytes (0 derives a minimum from num-threads and chunk-size)")
	maxKeyFileSize := flag.Int("max-key-file-size", 64*1024*1024, "soft size ceiling for inventory files")
	maxDataFileSize := flag.Int("max-data-file-size", 256*1024*1024, "soft size ceiling for data files")
	logFilePath := flag.String("log-file", "", "structured log output path (empty logs to stderr)")
	outputDirPath := flag.String("output-dir", "", "directory to write inventory and data files to (required)")
	onlyExpireAfter := flag.Int64("only-expire-after", 0, "skip keys expiring sooner than this many seconds from now (0 disables)")
	resumeMode := flag.Bool("resume", false, "resume a prior run from output-dir's checkpoint log")
	isS3Dump := flag.Bool("s3-dump", false, "mirror completed files to S3")
	s3Bucket := flag.String("s3-bucket", "", "destination S3 bucket (required with --s3-dump)")
	s3Path := flag.String("s3-path", "", "destination S3 key prefix")
	reqID := flag.String("req-id", "", "identifier prefixed to output file names")
	destIPsFilePath := flag.String("dest-ips-filepath", "", "file of ip:port shards this instance is responsible for")
	allIPsFilePath := flag.String("all-ips-filepath", "", "file of every ip:port shard in the fleet")
	metricsAddr := flag.String("metrics-addr", "", "address to serve /metrics and /healthz on (empty disables)")

	flag.Parse()

	if *maxMemoryLimit == 0 {
		*maxMemoryLimit = *chunkSize * (*numThreads + 2)
	}

	cfg := &config.Config{
		MemcachedHostname: *hostname,
		MemcachedPort:     *port,
		NumThreads:        *numThreads,
		ChunkSize:         *chunkSize,
		BulkGetThreshold:  *bulkGetThreshold,
		MaxMemoryLimit:    *maxMemoryLimit,
		MaxKeyFileSize:    *maxKeyFileSize,
		MaxDataFileSize:   *maxDataFileSize,
		LogFilePath:       *logFilePath,
		OutputDirPath:     *outputDirPath,
		OnlyExpireAfter:   *onlyExpireAfter,
		ResumeMode:        *resumeMode,
		IsS3Dump:          *isS3Dump,
		S3Bucket:          *s3Bucket,
		S3Path:            *s3Path,
		ReqID:             *reqID,
		DestIPsFilePath:   *destIPsFilePath,
		AllIPsFilePath:    *allIPsFilePath,
		MetricsAddr:       *metricsAddr,
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logging.Init(cfg.LogFilePath); err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer logging.Close()

	ctx := context.Background()

	var uploader s3uploader.Uploader
	var reportUploader *s3uploader.S3Uploader
	var checkpointStore checkpoint.Store = checkpoint.NewMemoryStore()

	if cfg.IsS3Dump {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("loading AWS config: %w", err)
		}
		client := s3uploader.NewClient(s3.NewFromConfig(awsCfg))

		s3Upl := s3uploader.New(client, cfg.S3Bucket, cfg.S3Path)
		uploader = s3Upl
		reportUploader = s3Upl

		if cfg.ResumeMode {
			checkpointURI := fmt.Sprintf("s3://%s/%s", cfg.S3Bucket, checkpointKey(cfg))
			s3Store, err := checkpoint.NewS3Store(client, checkpointURI)
			if err != nil {
				return fmt.Errorf("creating S3 checkpoint store: %w", err)
			}
			checkpointStore = s3Store
		}
	} else if cfg.ResumeMode {
		path := checkpointLocalPath(cfg)
		fileStore, err := checkpoint.NewFileStore(path)
		if err != nil {
			return fmt.Errorf("creating checkpoint store: %w", err)
		}
		checkpointStore = fileStore
	}

	var reportUp coordinator.ReportUploader
	if reportUploader != nil {
		reportUp = reportUploader
	}

	coord := coordinator.New(cfg, checkpointStore, uploader, reportUp)

	fmt.Printf("Starting dump of %s:%d into %s\n", cfg.MemcachedHostname, cfg.MemcachedPort, cfg.OutputDirPath)
	if err := coord.Run(ctx); err != nil {
		return fmt.Errorf("dump failed: %w", err)
	}
	fmt.Println("Dump completed successfully")
	return nil
}

func checkpointLocalPath(cfg *config.Config) string {
	name := "checkpoint.log"
	if cfg.ReqID != "" {
		name = cfg.ReqID + "-" + name
	}
	return cfg.OutputDirPath + "/" + name
}

func checkpointKey(cfg *config.Config) string {
	name := "checkpoint.log"
	if cfg.ReqID != "" {
		name = cfg.ReqID + "-" + name
	}
	if cfg.S3Path != "" {
		return cfg.S3Path + "/" + name
	}
	return name
}
