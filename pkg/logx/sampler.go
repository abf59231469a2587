package logx

import (
	"sync"

	"golang.org/x/time/rate"
)

// Sampler rate-limits a noisy log site.
//
// Lines over the limit are dropped and counted; the next line that passes
// carries the number of suppressed lines as "suppressed".
type Sampler struct {
	log Logger

	mu         sync.Mutex
	limiter    *rate.Limiter
	suppressed uint64
}

// NewSampler allows perSec lines per second with a burst of the same size.
func NewSampler(log Logger, perSec int) *Sampler {
	if perSec <= 0 {
		perSec = 1
	}
	return &Sampler{
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(perSec), perSec),
	}
}

func (s *Sampler) Warn(msg string, fields ...Field)  { s.emit(LevelWarn, msg, fields) }
func (s *Sampler) Error(msg string, fields ...Field) { s.emit(LevelError, msg, fields) }

// Suppressed returns how many lines are waiting to be reported.
func (s *Sampler) Suppressed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suppressed
}

func (s *Sampler) emit(level Level, msg string, fields []Field) {
	s.mu.Lock()
	if !s.limiter.Allow() {
		s.suppressed++
		s.mu.Unlock()
		return
	}
	n := s.suppressed
	s.suppressed = 0
	s.mu.Unlock()

	if n > 0 {
		fields = append(fields, Uint64("suppressed", n))
	}
	switch level {
	case LevelError:
		s.log.Error(msg, fields...)
	default:
		s.log.Warn(msg, fields...)
	}
}
