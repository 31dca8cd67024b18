package userfaultfd

import (
	"time"

	"go.uber.org/zap"
)

// eagainCounter batches EAGAIN reads into one debug line per streak.
type eagainCounter struct {
	streak uint64
	total  uint64
	first  time.Time
	last   time.Time

	logger *zap.Logger
	msg    string
}

func newEagainCounter(logger *zap.Logger, msg string) *eagainCounter {
	return &eagainCounter{
		logger: logger,
		msg:    msg,
	}
}

func (c *eagainCounter) Increase() {
	now := time.Now()

	if c.streak == 0 {
		c.first = now
	}

	c.streak++
	c.total++
	c.last = now
}

// Log reports the current streak, if any, and starts a new one.
func (c *eagainCounter) Log() {
	c.flush(false)
}

func (c *eagainCounter) Close() {
	c.flush(true)
}

func (c *eagainCounter) flush(closing bool) {
	if c.streak == 0 {
		return
	}

	c.logger.Debug(
		c.msg,
		zap.Uint64("count", c.streak),
		zap.Uint64("total", c.total),
		zap.Duration("duration", c.last.Sub(c.first)),
		zap.Bool("closing", closing),
	)

	c.streak = 0
}
