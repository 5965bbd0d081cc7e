package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/guseggert/stdiobridge/internal/framer"
	"github.com/guseggert/stdiobridge/protocol"
	"go.uber.org/zap"
)

const readSize = 32768

// Handler processes one event. The returned value must be JSON-serializable.
// A returned error is sent to the bridge as the response's error string.
type Handler interface {
	Handle(ctx context.Context, event, eventContext json.RawMessage) (any, error)
}

type HandlerFunc func(ctx context.Context, event, eventContext json.RawMessage) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, event, eventContext json.RawMessage) (any, error) {
	return f(ctx, event, eventContext)
}

type Option func(s *server)

func WithLogger(l *zap.Logger) Option {
	return func(s *server) {
		s.log = l.Named("handler").Sugar()
	}
}

type server struct {
	log     *zap.SugaredLogger
	h       Handler
	out     io.Writer
	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// Serve reads requests from in and writes responses to out until in is exhausted or ctx is done.
// Requests are handled concurrently, so responses may be written in a different order than the requests arrived.
// Serve waits for in-flight requests before returning. A read still blocked when ctx is done is abandoned, not closed.
func Serve(ctx context.Context, in io.Reader, out io.Writer, h Handler, opts ...Option) error {
	s := &server{
		log: zap.NewNop().Sugar(),
		h:   h,
		out: out,
	}
	for _, o := range opts {
		o(s)
	}
	defer s.wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	buf := make([]byte, readSize)
	reads := make(chan readResult)
	// the reader may reuse buf only after the previous read has been fed
	next := make(chan struct{}, 1)
	go s.readLoop(ctx, in, buf, reads, next)

	f := &framer.Framer{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-reads:
			for _, line := range f.Feed(buf[:r.n]) {
				s.dispatch(ctx, line)
			}
			if errors.Is(r.err, io.EOF) {
				return nil
			}
			if r.err != nil {
				return fmt.Errorf("reading requests: %w", r.err)
			}
			next <- struct{}{}
		}
	}
}

type readResult struct {
	n   int
	err error
}

func (s *server) readLoop(ctx context.Context, in io.Reader, buf []byte, reads chan<- readResult, next <-chan struct{}) {
	for {
		n, err := in.Read(buf)
		select {
		case reads <- readResult{n: n, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
		select {
		case <-next:
		case <-ctx.Done():
			return
		}
	}
}

func (s *server) dispatch(ctx context.Context, line []byte) {
	req, err := protocol.DecodeRequest(line)
	if err != nil {
		s.log.Debugw("ignoring line", "Error", err)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.respond(req.ID, s.invoke(ctx, req))
	}()
}

type outcome struct {
	value any
	err   error
}

func (s *server) invoke(ctx context.Context, req *protocol.IncomingRequest) (o outcome) {
	defer func() {
		if r := recover(); r != nil {
			o = outcome{err: fmt.Errorf("panic: %v", r)}
		}
	}()
	v, err := s.h.Handle(ctx, req.Event, req.Context)
	return outcome{value: v, err: err}
}

func (s *server) respond(id string, o outcome) {
	var errPayload any
	if o.err != nil {
		errPayload = o.err.Error()
	}
	line, err := protocol.EncodeResponse(id, errPayload, o.value)
	if err != nil {
		line, err = protocol.EncodeResponse(id, err.Error(), nil)
		if err != nil {
			s.log.Debugw("dropping response", "ID", id, "Error", err)
			return
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.out.Write(line)
	if err != nil {
		s.log.Debugw("error writing response", "ID", id, "Error", err)
	}
}

// Handle serves h over the process's stdin and stdout, and exits once stdin is closed.
// Logs go to stderr, so stdout carries only responses.
func Handle(h Handler) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %s\n", err)
		os.Exit(1)
	}
	err = Serve(context.Background(), os.Stdin, os.Stdout, h, WithLogger(logger))
	if err != nil {
		logger.Sugar().Errorf("serving: %s", err)
		os.Exit(1)
	}
	os.Exit(0)
}
