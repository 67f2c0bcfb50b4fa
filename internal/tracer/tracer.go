package tracer

import "context"

// ErrorHandler is called for read, decode and capture errors.
type ErrorHandler func(err error)

// LostHandler is called when the kernel reports samples lost on a CPU's
// perf buffer.
type LostHandler func(cpu int, lost uint64)

// Recorder receives every raw firing before it is dispatched.
type Recorder interface {
	Record(cpu uint32, data []byte) error
}

// AttachResult is the outcome of attaching one program.
type AttachResult struct {
	Attachment
	Err error
}

// Tracer manages BPF program loading, attachment, and firing reading.
type Tracer interface {
	// Start loads the BPF object, attaches the enabled programs, and begins
	// reading firings from the perf buffers.
	Start(ctx context.Context) error
	// Stop detaches BPF programs and closes the perf reader.
	Stop() error
	// UpdatePIDs replaces the contents of the tracked PID map. An empty
	// list disables filtering.
	UpdatePIDs(pids []uint32) error
	// OnError registers a handler for read or decode errors.
	OnError(handler ErrorHandler)
	// OnLost registers a handler for lost perf samples.
	OnLost(handler LostHandler)
	// Attached returns the outcome of every attachment made by Start.
	Attached() []AttachResult
}
