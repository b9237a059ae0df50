package coordinator

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/gurre/memcachedumper/config"
	"github.com/gurre/memcachedumper/filesink"
	"github.com/gurre/memcachedumper/metrics"
)

// loadShardFilter reads the optional all_ips/dest_ips files (one "ip:port"
// per line) used by the Process-Metabuf Task's shard filter. Both are
// empty if dest_ips_filepath is not set, disabling the filter entirely.
func loadShardFilter(cfg *config.Config) (allIPs, destIPs []string, err error) {
	if cfg.DestIPsFilePath == "" {
		return nil, nil, nil
	}
	allIPs, err = readLines(cfg.AllIPsFilePath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading all_ips_filepath: %w", err)
	}
	destIPs, err = readLines(cfg.DestIPsFilePath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading dest_ips_filepath: %w", err)
	}
	return allIPs, destIPs, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

// rejectNonEmptyOutputDir fails a fresh (non-resume) run whose output
// directory already exists and has entries in it, so a run never mixes its
// output with files left behind by an earlier, unrelated run.
func rejectNonEmptyOutputDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("checking output_dir_path: %w", err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("output_dir_path %q already exists and is non-empty; pass resume_mode to continue a prior run", dir)
	}
	return nil
}

// newFilesink builds the shared data-file sink used by every
// ProcessMetabufTask in a run.
func newFilesink(dir, prefix string, maxSize int) (*filesink.Sink, error) {
	return filesink.New(dir, prefix, maxSize, filesink.LocateDataSplit)
}

// writeReportFile renders report as JSON to path, for upload alongside the
// dump files when an S3 report destination is configured.
func writeReportFile(path string, report metrics.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
