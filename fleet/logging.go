package fleet

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// SetupLogger configures the standard logrus logger. Terminals get a text
// formatter with full timestamps; anything else gets JSON lines.
func SetupLogger(level string, out io.Writer) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	if out == nil {
		out = os.Stderr
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(out)

	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.StampMilli,
		})
		return nil
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})
	return nil
}

// throttle limits a repeating log message to once per interval per key.
type throttle struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
	now      func() time.Time
}

func newThrottle(interval time.Duration) *throttle {
	return &throttle{interval: interval, last: make(map[string]time.Time), now: time.Now}
}

// Allow reports whether key may be logged now.
func (t *throttle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if last, ok := t.last[key]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.last[key] = now
	return true
}
