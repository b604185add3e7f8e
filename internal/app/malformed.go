package app

import (
	"log/slog"

	"golang.org/x/time/rate"
)

const (
	malformedLogRate  = rate.Limit(0.2) // one line per topic every 5s
	malformedLogBurst = 1
)

// malformedLog summarizes malformed broker payloads per topic. A
// misbehaving peer can flood a topic; each topic gets its own limiter and
// the lines it suppresses are reported with the next one that passes.
// Only the control loop calls it.
type malformedLog struct {
	limiters   map[string]*rate.Limiter
	suppressed map[string]int
}

func newMalformedLog() *malformedLog {
	return &malformedLog{
		limiters:   make(map[string]*rate.Limiter),
		suppressed: make(map[string]int),
	}
}

// report logs err for topic unless the topic is over its rate. It reports
// whether a line was written.
func (l *malformedLog) report(topic string, size int, err error) bool {
	limiter, ok := l.limiters[topic]
	if !ok {
		limiter = rate.NewLimiter(malformedLogRate, malformedLogBurst)
		l.limiters[topic] = limiter
	}

	if !limiter.Allow() {
		l.suppressed[topic]++
		return false
	}

	slog.Warn("app: dropping malformed message",
		"topic", topic,
		"size", size,
		"error", err,
		"suppressed", l.suppressed[topic],
	)
	l.suppressed[topic] = 0
	return true
}
