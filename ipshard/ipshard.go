// Package ipshard implements the key -> "ip:port" mapping the
// Process-Metabuf Task's dest_ips filter needs. The design notes leave this
// mapping as an injected function ("not shown in the excerpt"); this package
// resolves that open question with a pure, deterministic hash-based shard
// assignment so the same key always maps to the same shard for a given
// all_ips list, regardless of process or run.
package ipshard

import (
	"hash/fnv"
	"sort"
)

// Of returns the shard ("ip:port" string) that owns key, given the full set
// of target instances allIPs. allIPs is sorted internally so that shard
// assignment is independent of input ordering. Returns "" if allIPs is empty.
func Of(key string, allIPs []string) string {
	if len(allIPs) == 0 {
		return ""
	}
	sorted := make([]string, len(allIPs))
	copy(sorted, allIPs)
	sort.Strings(sorted)

	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	idx := h.Sum64() % uint64(len(sorted))
	return sorted[idx]
}

// In reports whether key's shard (per Of) is a member of destIPs.
func In(key string, allIPs, destIPs []string) bool {
	shard := Of(key, allIPs)
	if shard == "" {
		return false
	}
	for _, ip := range destIPs {
		if ip == shard {
			return true
		}
	}
	return false
}
