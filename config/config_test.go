package config

import "testing"

func validConfig() *Config {
	return &Config{
		MemcachedHostname: "cache01.internal",
		MemcachedPort:     11211,
		NumThreads:        8,
		ChunkSize:         65536,
		BulkGetThreshold:  50,
		MaxMemoryLimit:    65536 * 10,
		MaxKeyFileSize:    1 << 20,
		MaxDataFileSize:   1 << 26,
		OutputDirPath:     "/tmp/dump",
	}
}

func TestValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config to pass validation, got: %v", err)
	}
}

func TestMissingHostname(t *testing.T) {
	cfg := validConfig()
	cfg.MemcachedHostname = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing hostname")
	}
}

func TestInvalidPort(t *testing.T) {
	for _, port := range []int{0, -1, 65536, 100000} {
		cfg := validConfig()
		cfg.MemcachedPort = port
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected error for invalid port %d", port)
		}
	}
}

func TestInvalidNumThreads(t *testing.T) {
	cfg := validConfig()
	cfg.NumThreads = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero num_threads")
	}
}

func TestMaxMemoryLimitTooSmallForBufferPool(t *testing.T) {
	cfg := validConfig()
	// num_threads=8 needs 10 buffers of chunk_size; give it room for only 9.
	cfg.MaxMemoryLimit = cfg.ChunkSize * 9
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when max_memory_limit cannot hold num_threads+2 buffers")
	}
}

func TestMaxMemoryLimitExactlySufficient(t *testing.T) {
	cfg := validConfig()
	cfg.MaxMemoryLimit = cfg.ChunkSize * (cfg.NumThreads + 2)
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected exact buffer requirement to pass, got: %v", err)
	}
}

func TestMissingOutputDir(t *testing.T) {
	cfg := validConfig()
	cfg.OutputDirPath = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing output_dir_path")
	}
}

func TestS3DumpRequiresBucket(t *testing.T) {
	cfg := validConfig()
	cfg.IsS3Dump = true
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for is_s3_dump without s3_bucket")
	}
	cfg.S3Bucket = "my-bucket"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid s3 dump config to pass, got: %v", err)
	}
}

func TestDestIPsRequiresAllIPs(t *testing.T) {
	cfg := validConfig()
	cfg.DestIPsFilePath = "/tmp/dest.txt"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for dest_ips_filepath without all_ips_filepath")
	}
	cfg.AllIPsFilePath = "/tmp/all.txt"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid filter config to pass, got: %v", err)
	}
}

func TestReqIDRejectsPathSeparators(t *testing.T) {
	cfg := validConfig()
	cfg.ReqID = "bad/id"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for req_id containing a path separator")
	}
}

func TestInvalidBulkGetThreshold(t *testing.T) {
	cfg := validConfig()
	cfg.BulkGetThreshold = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero bulk_get_threshold")
	}
}
