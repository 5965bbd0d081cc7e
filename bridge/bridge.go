package bridge

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/guseggert/stdiobridge/protocol"
	"github.com/guseggert/stdiobridge/worker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DebugEnv enables debug logging of parsed and discarded lines when set to any non-empty value.
const DebugEnv = "DEBUG_SHIM"

// DebugFromEnv reports whether DebugEnv is set.
func DebugFromEnv() bool {
	return os.Getenv(DebugEnv) != ""
}

// transport is the worker side of the bridge. *worker.Supervisor implements it.
type transport interface {
	Write(line []byte) error
	Done() <-chan struct{}
	Err() error
	PID() int
	Stop() error
}

// Bridge hands events to a worker process and routes its responses back to the matching calls.
// All methods are safe for concurrent use.
type Bridge struct {
	id     string
	log    *zap.SugaredLogger
	zlog   *zap.Logger
	debug  bool
	worker worker.Config

	ids     *idGenerator
	pending *pendingTable
	w       transport
}

type Option func(b *Bridge)

func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		b.zlog = l
	}
}

// WithDebug overrides DebugEnv.
func WithDebug(debug bool) Option {
	return func(b *Bridge) {
		b.debug = debug
	}
}

// WithWorker configures the worker process. The default runs ./main with no arguments.
func WithWorker(cfg worker.Config) Option {
	return func(b *Bridge) {
		b.worker = cfg
	}
}

// WithCommand sets the worker executable and its arguments.
func WithCommand(command string, args ...string) Option {
	return func(b *Bridge) {
		b.worker.Command = command
		b.worker.Args = args
	}
}

func newBridge(opts ...Option) (*Bridge, error) {
	b := &Bridge{
		id:      uuid.NewString(),
		debug:   DebugFromEnv(),
		worker:  worker.Config{Command: worker.DefaultCommand},
		ids:     newIDGenerator(timeSeed()),
		pending: newPendingTable(),
	}
	for _, o := range opts {
		o(b)
	}
	if b.zlog == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("building logger: %w", err)
		}
		b.zlog = l
	}
	if !b.debug {
		b.zlog = b.zlog.WithOptions(zap.IncreaseLevel(zapcore.InfoLevel))
	}
	b.log = b.zlog.Named("bridge").Sugar().With("Bridge", b.id)
	return b, nil
}

// New starts the worker and returns a bridge to it.
// Failing to start the worker is returned as an error wrapping worker.ErrStart.
func New(ctx context.Context, opts ...Option) (*Bridge, error) {
	b, err := newBridge(opts...)
	if err != nil {
		return nil, err
	}
	sup, err := worker.Start(ctx, b.worker, b.handleLine, worker.WithLogger(b.zlog))
	if err != nil {
		return nil, err
	}
	b.w = sup
	b.log.Infow("bridge started", "PID", sup.PID(), "Command", b.worker.Command)
	return b, nil
}

// Submit sends an event and its context to the worker and returns the call that its response will complete.
// Both payloads must be JSON-serializable; they are forwarded without interpretation.
// An error is returned only if the request could not be sent, in which case nothing is left pending.
func (b *Bridge) Submit(event, eventContext any) (*Call, error) {
	id := b.ids.next()
	line, err := protocol.EncodeRequest(id, event, eventContext)
	if err != nil {
		return nil, err
	}

	call := newCall(id)
	err = b.pending.register(call)
	if err != nil {
		return nil, err
	}

	err = b.w.Write(line)
	if err != nil {
		b.pending.remove(id)
		return nil, fmt.Errorf("sending request %s: %w", id, err)
	}
	b.log.Debugw("sent request", "ID", id, "Bytes", len(line))
	return call, nil
}

// handleLine is called for each line the worker writes to stdout, from a single goroutine.
func (b *Bridge) handleLine(line []byte) {
	b.log.Debugw("parsing line", "Line", string(line))
	resp, err := protocol.DecodeResponse(line)
	if err != nil {
		// not JSON, or not a response: stray output from the worker
		b.log.Debugw("discarding line", "Error", err)
		return
	}
	if !b.pending.resolve(resp.ID, Result{Error: resp.Error, Value: resp.Value}) {
		b.log.Debugw("discarding response with no pending call", "ID", resp.ID)
	}
}

// Done is closed when the worker has exited, which is fatal for the bridge.
// Calls still pending at that point never complete.
func (b *Bridge) Done() <-chan struct{} {
	return b.w.Done()
}

// Err returns the fatal condition once Done is closed, or nil before then.
func (b *Bridge) Err() error {
	return b.w.Err()
}

// Stop kills the worker. Done is closed once it has exited.
func (b *Bridge) Stop() error {
	return b.w.Stop()
}

type Stats struct {
	ID      string `json:"bridge"`
	PID     int    `json:"pid"`
	Pending int    `json:"pending"`
}

func (b *Bridge) Stats() Stats {
	return Stats{
		ID:      b.id,
		PID:     b.w.PID(),
		Pending: b.pending.len(),
	}
}
