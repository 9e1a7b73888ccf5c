package detector

import (
	"bytes"
	"os"
	"runtime"
	"strconv"
)

// Zombie reports whether /proc/<pid>/status shows a zombie state on
// Linux. A zombie still answers signal 0 but will never exit, so sweeps
// must not wait on it.
func Zombie(pid int) bool {
	if runtime.GOOS != "linux" || pid <= 0 {
		return false
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
