package limits

import (
	"os"
	"strconv"
	"strings"
)

// cgroup v1 reports "unlimited" as a value near MaxInt64.
const cgroupNoLimit = int64(1) << 60

// DetectMemoryLimit reads the container memory limit from the cgroup
// filesystem so a containerized deployment gets a sane memory envelope
// without configuration. Tries cgroup v2 (memory.max), then v1
// (memory.limit_in_bytes). Returns 0 when no limit applies: bare metal,
// VMs, or containers without a memory constraint.
func DetectMemoryLimit() int64 {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		raw := strings.TrimSpace(string(data))
		if raw != "max" {
			if limit, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return limit
			}
		}
		return 0
	}

	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		raw := strings.TrimSpace(string(data))
		if limit, err := strconv.ParseInt(raw, 10, 64); err == nil && limit < cgroupNoLimit {
			return limit
		}
	}
	return 0
}
