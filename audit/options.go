package audit

import "time"

const (
	defaultBufferSize  = 1024
	defaultConcurrency = 1
	defaultSinkTimeout = 2 * time.Second
)

// dispatcherOptions holds configuration for a Dispatcher.
type dispatcherOptions struct {
	// bufferSize is the number of records queued before Emit starts dropping.
	bufferSize int
	// concurrency is the number of workers draining the queue.
	concurrency int
	// sinkTimeout bounds each sink write.
	sinkTimeout time.Duration
}

// Option is a function type used to configure a Dispatcher.
type Option func(*dispatcherOptions)

func defaultDispatcherOptions() dispatcherOptions {
	return dispatcherOptions{
		bufferSize:  defaultBufferSize,
		concurrency: defaultConcurrency,
		sinkTimeout: defaultSinkTimeout,
	}
}

// WithBufferSize sets the queue capacity.
func WithBufferSize(n int) Option {
	return func(o *dispatcherOptions) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithConcurrency sets the number of delivery workers.
func WithConcurrency(n int) Option {
	return func(o *dispatcherOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithSinkTimeout bounds the time spent writing one record to one sink.
func WithSinkTimeout(d time.Duration) Option {
	return func(o *dispatcherOptions) {
		if d > 0 {
			o.sinkTimeout = d
		}
	}
}
