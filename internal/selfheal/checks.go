// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package selfheal

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// diskUsage returns used-percent for the filesystem containing path.
func diskUsage(path string) (float64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	if st.Blocks == 0 {
		return 0, fmt.Errorf("statfs %s: zero block count", path)
	}
	used := float64(st.Blocks-st.Bavail) / float64(st.Blocks) * 100
	return used, nil
}

// memoryUsage returns used-percent from /proc/meminfo, counting reclaimable
// memory as free the way MemAvailable does.
func memoryUsage() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var total, available float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, fmt.Errorf("meminfo: no MemTotal")
	}
	return (total - available) / total * 100, nil
}

// loadPerCPU returns the 1-minute load average divided by CPU count.
func loadPerCPU() (float64, error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("loadavg: empty")
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("loadavg: %w", err)
	}
	cpus := runtime.NumCPU()
	if cpus == 0 {
		cpus = 1
	}
	return load / float64(cpus), nil
}

// probeNetwork dials the AI endpoint to confirm reachability. TCP connect
// only; a TLS handshake would burn time without adding signal.
func probeNetwork(addr string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// purgeOldFiles deletes regular files under dir older than maxAge. Returns
// how many were removed. Missing directories are not an error.
func purgeOldFiles(dir string, maxAge time.Duration) int {
	if dir == "" {
		return 0
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})
	if removed > 0 {
		log.WithFields(log.Fields{"dir": dir, "removed": removed, "max_age": maxAge}).Info("purged old files")
	}
	return removed
}

// providerProcess is one child of ours found in the process table.
type providerProcess struct {
	pid  int
	comm string
	rss  int64 // bytes
}

// ownProviderProcesses walks /proc for direct children of this process whose
// command matches one of the known provider binaries. Only positively
// identified children are eligible for the zombie sweep.
func ownProviderProcesses(binaries []string) []providerProcess {
	self := os.Getpid()
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	pageSize := int64(os.Getpagesize())

	var out []providerProcess
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		stat, err := os.ReadFile(filepath.Join("/proc", e.Name(), "stat"))
		if err != nil {
			continue
		}
		// comm is parenthesized and may contain spaces; parse around it.
		s := string(stat)
		start := strings.IndexByte(s, '(')
		end := strings.LastIndexByte(s, ')')
		if start < 0 || end < start {
			continue
		}
		comm := s[start+1 : end]
		rest := strings.Fields(s[end+1:])
		if len(rest) < 22 {
			continue
		}
		ppid, _ := strconv.Atoi(rest[1])
		if ppid != self {
			continue
		}
		match := false
		for _, bin := range binaries {
			if comm == filepath.Base(bin) {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		rssPages, _ := strconv.ParseInt(rest[21], 10, 64)
		out = append(out, providerProcess{pid: pid, comm: comm, rss: rssPages * pageSize})
	}
	return out
}
