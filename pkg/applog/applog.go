// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package applog bootstraps process logging: klog writing to a
// per-day file under the platform state directory, mirrored to stderr,
// with retention and total-size cleanup of old log files.
package applog

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

var (
	mu          sync.Mutex
	currentPath string
)

// Init configures klog to a persistent file + stderr and returns the
// log file path. Call it once, after flag parsing.
func Init(appName string) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	logDir, err := defaultLogDir()
	if err != nil || strings.TrimSpace(logDir) == "" {
		logDir = fallbackLogDir()
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		alt := fallbackLogDir()
		if alt != logDir {
			_ = os.MkdirAll(alt, 0755)
			logDir = alt
		}
	}

	fileName := fmt.Sprintf("%s-%s.log", sanitizeName(appName), time.Now().Format("2006-01-02"))
	path := filepath.Join(logDir, fileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		// Last-resort fallback to temp directory.
		tmpPath := fallbackLogDir()
		if mkErr := os.MkdirAll(tmpPath, 0755); mkErr != nil {
			return "", err
		}
		path = filepath.Join(tmpPath, fileName)
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return "", err
		}
	}
	f.Close()

	// klog owns the file from here; it appends to log_file itself.
	_ = flag.Set("log_file", path)
	_ = flag.Set("logtostderr", "false")
	_ = flag.Set("alsologtostderr", "true")
	_ = flag.Set("log_file_max_size", "0")
	currentPath = path

	cleanupOldLogs(logDir, logRetentionDays())
	cleanupLogsByTotalSize(logDir, logMaxTotalBytes())
	return path, nil
}

// Path returns the active log file path, or empty before Init.
func Path() string {
	mu.Lock()
	defer mu.Unlock()
	return currentPath
}

// Flush forces buffered log lines to disk. Call before process exit.
func Flush() {
	klog.Flush()
}

func fallbackLogDir() string {
	return filepath.Join(os.TempDir(), "ClientCertProvider", "logs")
}

func defaultLogDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		base := strings.TrimSpace(os.Getenv("LOCALAPPDATA"))
		if base == "" {
			userProfile := strings.TrimSpace(os.Getenv("USERPROFILE"))
			if userProfile == "" {
				return "", fmt.Errorf("LOCALAPPDATA/USERPROFILE no disponibles")
			}
			base = filepath.Join(userProfile, "AppData", "Local")
		}
		return filepath.Join(base, "ClientCertProvider", "logs"), nil
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Logs", "ClientCertProvider"), nil
	default:
		base := strings.TrimSpace(os.Getenv("XDG_STATE_HOME"))
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			base = filepath.Join(home, ".local", "state")
		}
		return filepath.Join(base, "clientcert-provider", "logs"), nil
	}
}

func sanitizeName(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "clientcert"
	}
	var b strings.Builder
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func cleanupOldLogs(dir string, keepDays int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	type fi struct {
		name string
		mod  time.Time
	}
	var files []fi
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fi{name: e.Name(), mod: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	cutoff := time.Now().AddDate(0, 0, -keepDays)
	for _, f := range files {
		if f.mod.After(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(dir, f.name))
	}
}

func cleanupLogsByTotalSize(dir string, maxBytes int64) {
	if maxBytes <= 0 {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	type fi struct {
		name string
		mod  time.Time
		size int64
	}
	var files []fi
	var total int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fi{name: e.Name(), mod: info.ModTime(), size: info.Size()})
		total += info.Size()
	}
	if total <= maxBytes {
		return
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	for _, f := range files {
		if total <= maxBytes {
			break
		}
		_ = os.Remove(filepath.Join(dir, f.name))
		total -= f.size
	}
}

func logRetentionDays() int {
	const def = 14
	raw := strings.TrimSpace(os.Getenv("CLIENTCERT_LOG_RETENTION_DAYS"))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > 365 {
		return 365
	}
	return n
}

func logMaxTotalBytes() int64 {
	// Total cap across all .log files in the log directory.
	const defMB int64 = 50
	raw := strings.TrimSpace(os.Getenv("CLIENTCERT_LOG_MAX_TOTAL_MB"))
	if raw == "" {
		return defMB * 1024 * 1024
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 1 {
		return defMB * 1024 * 1024
	}
	if n > 2048 {
		n = 2048
	}
	return n * 1024 * 1024
}
