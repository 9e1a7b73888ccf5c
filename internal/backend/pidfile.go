package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loykin/warden/internal/detector"
)

// pidFileMeta is the second line of a PID file: enough to tell a live
// previous backend from a recycled PID after a daemon restart.
type pidFileMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// WritePIDFile records pid and its observed start time. The format is
// one line with the PID followed by one line of meta JSON.
func WritePIDFile(path string, pid int) error {
	if path == "" || pid <= 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	meta, _ := json.Marshal(pidFileMeta{StartUnix: detector.StartUnix(pid)})
	content := fmt.Sprintf("%d\n%s\n", pid, meta)
	return os.WriteFile(path, []byte(content), 0o600)
}

// ReadPIDFile parses a PID file written by WritePIDFile. Legacy files
// holding only a PID yield startUnix 0.
func ReadPIDFile(path string) (pid int, startUnix int64, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err = strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return pid, 0, nil
	}
	var m pidFileMeta
	if err := json.Unmarshal([]byte(rest), &m); err != nil {
		// PID is still usable when the meta line is damaged.
		return pid, 0, nil
	}
	return pid, m.StartUnix, nil
}

// RemovePIDFile is best-effort.
func RemovePIDFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
