package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// idleTimeoutBody aborts the request when a single Read waits longer than timeout.
// Only time spent inside Read counts.
type idleTimeoutBody struct {
	ctx     context.Context
	body    io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelCauseFunc
}

func newIdleTimeoutBody(ctx context.Context, body io.ReadCloser, timeout time.Duration, cancel context.CancelCauseFunc) *idleTimeoutBody {
	return &idleTimeoutBody{
		ctx:     ctx,
		body:    body,
		timeout: timeout,
		cancel:  cancel,
	}
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	if b.timeout > 0 {
		if b.timer == nil {
			b.timer = time.AfterFunc(b.timeout, func() { b.cancel(ErrIdleReadTimeout) })
		} else {
			b.timer.Reset(b.timeout)
		}
	}
	n, err := b.body.Read(p)
	if b.timer != nil {
		b.timer.Stop()
	}
	if err != nil && err != io.EOF && errors.Is(context.Cause(b.ctx), ErrIdleReadTimeout) {
		return n, fmt.Errorf("%w (%s)", ErrIdleReadTimeout, b.timeout)
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	if b.timer != nil {
		b.timer.Stop()
	}
	err := b.body.Close()
	b.cancel(nil)
	return err
}
