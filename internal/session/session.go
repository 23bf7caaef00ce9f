// Package session manages the files a daemon keeps in its session
// directory: socket, PID, lock, worker metadata and log.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	DefaultDirMode  = 0700
	DefaultFileMode = 0600
)

// Paths names every file inside one session directory
type Paths struct {
	Dir string
}

// NewPaths anchors paths at dir
func NewPaths(dir string) Paths {
	return Paths{Dir: dir}
}

func (p Paths) Socket() string     { return filepath.Join(p.Dir, "daemon.sock") }
func (p Paths) DaemonPID() string  { return filepath.Join(p.Dir, "daemon.pid") }
func (p Paths) Lock() string       { return filepath.Join(p.Dir, "daemon.lock") }
func (p Paths) SessionPID() string { return filepath.Join(p.Dir, "session.pid") }
func (p Paths) Metadata() string   { return filepath.Join(p.Dir, "session.json") }
func (p Paths) Log() string        { return filepath.Join(p.Dir, "daemon.log") }

// EnsureDir creates the session directory
func (p Paths) EnsureDir() error {
	if err := os.MkdirAll(p.Dir, DefaultDirMode); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	return nil
}

// Metadata describes the browser session owned by the current worker
type Metadata struct {
	WorkerPID int       `json:"workerPid"`
	DaemonPID int       `json:"daemonPid"`
	StartTime time.Time `json:"startTime"`
	CDPURL    string    `json:"cdpUrl,omitempty"`
	TargetID  string    `json:"targetId,omitempty"`
	TargetURL string    `json:"targetUrl,omitempty"`
	Host      string    `json:"host,omitempty"`
	Port      int       `json:"port,omitempty"`
}

// ReadPID parses a PID file
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s: pid %d", path, pid)
	}
	return pid, nil
}

// WritePID atomically records pid at path
func WritePID(path string, pid int) error {
	return atomicWriteFile(path, []byte(strconv.Itoa(pid)+"\n"), DefaultFileMode)
}

// ProcessAlive reports whether kill(pid, 0) succeeds. EPERM means the
// process exists under another user.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// IsRunning is true iff the PID file parses and the process is alive
func IsRunning(pidPath string) bool {
	pid, err := ReadPID(pidPath)
	if err != nil {
		return false
	}
	return ProcessAlive(pid)
}

// RemoveIfExists deletes path, treating a missing file as success
func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// WriteMetadata atomically replaces the metadata file
func WriteMetadata(path string, md *Metadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}
	return atomicWriteFile(path, data, DefaultFileMode)
}

// ReadMetadata loads the metadata file
func ReadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("failed to parse session metadata: %w", err)
	}
	return &md, nil
}

// atomicWriteFile writes through a temp file in the same directory and
// renames it over path
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirMode); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	committed = true
	return nil
}
