package ptt

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// newSessionID returns a session identifier that is unique across restarts
// and roughly sortable by start time: millisecond timestamp plus a random
// UUID suffix. Audit rows key on this, so collisions must be impossible in
// practice, not just unlikely per process.
func newSessionID() string {
	return fmt.Sprintf("tx-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// clock abstracts monotonic time so broker tests can drive timeouts without
// sleeping. time.Time carries a monotonic reading when obtained from Now,
// which is what duration math below relies on.
type clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
