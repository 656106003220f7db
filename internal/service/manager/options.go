package manager

import "github.com/vertextoedge/dlengine/internal/domain"

type request struct {
	savePath   string
	reDownload bool
	flow       *domain.StatusFlow
	priority   int
}

// Option configures a single manager call
type Option func(*request)

// WithSavePath sets the directory the file is written to
func WithSavePath(dir string) Option {
	return func(r *request) {
		r.savePath = dir
	}
}

// WithReDownload forces a full transfer even if the file is complete
func WithReDownload(reDownload bool) Option {
	return func(r *request) {
		r.reDownload = reDownload
	}
}

// WithStatusFlow publishes the statuses of the call to flow
func WithStatusFlow(flow *domain.StatusFlow) Option {
	return func(r *request) {
		r.flow = flow
	}
}

// WithPriority orders the transfer in a priority pool. Higher runs first.
func WithPriority(priority int) Option {
	return func(r *request) {
		r.priority = priority
	}
}

func newRequest(opts []Option) *request {
	r := &request{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}
