package storage

import (
	"strconv"
	"time"

	"github.com/songzhibin97/gkit/generator"
)

// Option configures a Storage implementation.
type Option func(*options)

type options struct {
	gen generator.Generator
	now func() time.Time
}

// WithGenerator sets the generator used for data ids.
func WithGenerator(gen generator.Generator) Option {
	return func(o *options) {
		if gen != nil {
			o.gen = gen
		}
	}
}

// WithClock sets the time source for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		gen: generator.NewSnowflake(time.Now().Add(-1*time.Second), 1),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) nextDataID() (string, error) {
	id, err := o.gen.NextID()
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(id, 10), nil
}
