package store

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedOutput throttles writes to a configured byte rate. It is meant
// for background merges that must not starve foreground query I/O.
type RateLimitedOutput struct {
	out     IndexOutput
	limiter *rate.Limiter
	ctx     context.Context
}

// NewRateLimitedOutput wraps out with the given limiter. A nil limiter
// disables throttling.
func NewRateLimitedOutput(ctx context.Context, out IndexOutput, limiter *rate.Limiter) *RateLimitedOutput {
	return &RateLimitedOutput{out: out, limiter: limiter, ctx: ctx}
}

func (o *RateLimitedOutput) Write(p []byte) (int, error) {
	if o.limiter == nil {
		return o.out.Write(p)
	}
	written := 0
	for len(p) > 0 {
		chunk := len(p)
		// A non-positive burst must not shrink the chunk to zero; WaitN then
		// reports the oversized request instead of looping forever.
		if burst := o.limiter.Burst(); burst > 0 && chunk > burst {
			chunk = burst
		}
		if err := o.limiter.WaitN(o.ctx, chunk); err != nil {
			return written, err
		}
		n, err := o.out.Write(p[:chunk])
		written += n
		if err != nil {
			return written, err
		}
		p = p[chunk:]
	}
	return written, nil
}

func (o *RateLimitedOutput) WriteByte(b byte) error {
	if o.limiter != nil {
		if err := o.limiter.WaitN(o.ctx, 1); err != nil {
			return err
		}
	}
	return o.out.WriteByte(b)
}

func (o *RateLimitedOutput) FilePointer() int64   { return o.out.FilePointer() }
func (o *RateLimitedOutput) Checksum() uint64     { return o.out.Checksum() }
func (o *RateLimitedOutput) Algorithm() Algorithm { return o.out.Algorithm() }
func (o *RateLimitedOutput) Sync() error          { return o.out.Sync() }
func (o *RateLimitedOutput) Close() error         { return o.out.Close() }
