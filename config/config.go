// Package config implements the configuration surface for the dumper
// binary: the settings cmd/memcachedumper fills in from its pflag flags,
// and the validation that must pass before a run starts.
package config

import (
	"fmt"
	"strings"
)

// Config holds all configuration for a dump run. Every field corresponds
// to a CLI flag defined in cmd/memcachedumper.
type Config struct {
	MemcachedHostname string
	MemcachedPort     int
	NumThreads        int
	ChunkSize         int
	BulkGetThreshold  int
	MaxMemoryLimit    int
	MaxKeyFileSize    int
	MaxDataFileSize   int
	LogFilePath       string
	OutputDirPath     string
	OnlyExpireAfter   int64
	ResumeMode        bool
	IsS3Dump          bool
	S3Bucket          string
	S3Path            string
	ReqID             string
	DestIPsFilePath   string
	AllIPsFilePath    string
	MetricsAddr       string // empty disables the metrics/healthz server
}

// Validate enforces the invariants the design requires before a run can
// start: the buffer pool must be large enough to hold every thread's
// working set plus the metadump/rotation spares, and resuming a run
// requires the same output directory the original run used.
func (c *Config) Validate() error {
	if c.MemcachedHostname == "" {
		return fmt.Errorf("memcached_hostname is required")
	}
	if c.MemcachedPort < 1 || c.MemcachedPort > 65535 {
		return fmt.Errorf("memcached_port must be between 1 and 65535")
	}
	if c.NumThreads < 1 {
		return fmt.Errorf("num_threads must be at least 1")
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("chunk_size must be at least 1")
	}
	if c.BulkGetThreshold < 1 {
		return fmt.Errorf("bulk_get_threshold must be at least 1")
	}
	if c.MaxKeyFileSize < 1 {
		return fmt.Errorf("max_key_file_size must be at least 1")
	}
	if c.MaxDataFileSize < 1 {
		return fmt.Errorf("max_data_file_size must be at least 1")
	}

	requiredBuffers := c.NumThreads + 2
	if c.MaxMemoryLimit < c.ChunkSize*requiredBuffers {
		return fmt.Errorf(
			"max_memory_limit (%d) is too small for chunk_size %d with num_threads %d: need at least %d bytes (%d buffers of chunk_size)",
			c.MaxMemoryLimit, c.ChunkSize, c.NumThreads, c.ChunkSize*requiredBuffers, requiredBuffers,
		)
	}

	if c.OutputDirPath == "" {
		return fmt.Errorf("output_dir_path is required")
	}

	if c.ResumeMode && c.OutputDirPath == "" {
		return fmt.Errorf("resume_mode requires output_dir_path to point at the original run's output directory")
	}

	if c.IsS3Dump {
		if c.S3Bucket == "" {
			return fmt.Errorf("s3_bucket is required when is_s3_dump is set")
		}
	}

	if c.DestIPsFilePath != "" && c.AllIPsFilePath == "" {
		return fmt.Errorf("all_ips_filepath is required when dest_ips_filepath is set")
	}

	if c.ReqID != "" && strings.ContainsAny(c.ReqID, "/\\") {
		return fmt.Errorf("req_id must not contain path separators")
	}

	return nil
}
