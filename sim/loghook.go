package sim

import (
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// A LogHook is a hook that is resonsible for recording information from the
// memory system
type LogHook interface {
	Hook
}

// LogHookBase proovides the common logic for all LogHooks
type LogHookBase struct {
	*log.Logger
}

// RateLimitedLogHookBase is a LogHookBase that drops messages once the
// configured rate is exceeded.
type RateLimitedLogHookBase struct {
	LogHookBase
	limiter *rate.Limiter
	dropped atomic.Uint64
}

// NewRateLimitedLogHookBase creates a log hook base that writes at most
// perSecond messages each second, with bursts up to burst.
func NewRateLimitedLogHookBase(
	logger *log.Logger,
	perSecond float64,
	burst int,
) *RateLimitedLogHookBase {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}

	return &RateLimitedLogHookBase{
		LogHookBase: LogHookBase{Logger: logger},
		limiter:     rate.NewLimiter(limit, burst),
	}
}

// Logf prints the message if the limiter allows it. It returns false if the
// message was dropped.
func (h *RateLimitedLogHookBase) Logf(format string, v ...interface{}) bool {
	if !h.limiter.AllowN(time.Now(), 1) {
		h.dropped.Add(1)
		return false
	}

	h.Printf(format, v...)

	return true
}

// Dropped returns the number of messages that were not printed.
func (h *RateLimitedLogHookBase) Dropped() uint64 {
	return h.dropped.Load()
}
