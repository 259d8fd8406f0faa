package util

import (
	"fmt"
	"sync/atomic"

	"github.com/pterm/pterm"
	"golang.org/x/time/rate"
)

// Traffic logging is separate from system logging: it sits on the packet hot
// path, is disabled by default, and is throttled by a token bucket so a busy
// tunnel cannot flood the console. Toggled at runtime via the /logs command.

const (
	trafficLogsPerSecond = 20
	trafficLogBurst      = 40
)

var (
	trafficEnabled atomic.Bool
	trafficLimiter = rate.NewLimiter(rate.Limit(trafficLogsPerSecond), trafficLogBurst)
)

// SetTrafficLogging toggles per-packet traffic logging.
func SetTrafficLogging(enabled bool) {
	trafficEnabled.Store(enabled)
}

// TrafficLoggingEnabled reports the current toggle state.
func TrafficLoggingEnabled() bool {
	return trafficEnabled.Load()
}

// LogTraffic emits a rate-limited traffic log line. Calls beyond the bucket's
// capacity are dropped silently.
func LogTraffic(format string, args ...interface{}) {
	if !trafficEnabled.Load() {
		return
	}
	if !trafficLimiter.Allow() {
		return
	}
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}
