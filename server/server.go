package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/stdiobridge/bridge"
	"github.com/julienschmidt/httprouter"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 1 << 20

// Bridge is the part of *bridge.Bridge the server needs.
type Bridge interface {
	Submit(event, eventContext any) (*bridge.Call, error)
	Stats() bridge.Stats
}

// Server is the HTTP front-end that turns requests into bridge submissions.
type Server struct {
	logger   *zap.SugaredLogger
	logLevel zapcore.LevelEnabler
	bridge   Bridge

	listenAddr    string
	invokeTimeout time.Duration

	router     *httprouter.Router
	httpServer *http.Server
	listening  chan struct{}
	addr       net.Addr
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Named("server").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.logLevel = l
	}
}

// WithInvokeTimeout bounds how long POST /invoke waits for the worker.
// The request stays pending in the bridge after the timeout.
func WithInvokeTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.invokeTimeout = d
	}
}

func New(b Bridge, opts ...Option) (*Server, error) {
	s := &Server{
		bridge:        b,
		listenAddr:    "0.0.0.0:3000",
		invokeTimeout: 30 * time.Second,
		listening:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("building logger: %w", err)
		}
		s.logger = logger.Named("server").Sugar()
	}
	if s.logLevel != nil {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(s.logLevel))
	}

	router := httprouter.New()
	router.GET("/health", s.health)
	router.POST("/invoke", s.invoke)
	router.GET("/invoke/ws", s.invokeWS)
	s.router = router
	s.httpServer = &http.Server{Handler: router}
	return s, nil
}

// Handler returns the server's routes, for embedding or testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until Stop is called.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	s.addr = listener.Addr()
	close(s.listening)
	s.logger.Infow("listening", "Addr", s.addr.String())

	err = s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the address the server is listening on, once Run has started listening.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.listening:
		return s.addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) Stop() error {
	return s.httpServer.Close()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}

func (s *Server) invoke(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req InvokeRequest
	dec := json.NewDecoder(r.Body)
	err := dec.Decode(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	call, err := s.bridge.Submit(req.Event, req.Context)
	if err != nil {
		s.logger.Debugf("submit error: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.invokeTimeout)
	defer cancel()
	res, err := call.Wait(ctx)
	if err != nil {
		s.logger.Debugw("gave up waiting for worker", "ID", call.ID, "Error", err)
		http.Error(w, "timed out waiting for worker", http.StatusGatewayTimeout)
		return
	}

	writeJSON(w, http.StatusOK, InvokeResponse{
		ID:    call.ID,
		Error: res.Error,
		Value: res.Value,
	})
}

// invokeWS accepts any number of invocations over one WebSocket and writes each result as soon as it is available.
func (s *Server) invokeWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.logger.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(readLimit)
	s.logger.Debug("accepted WebSocket conn")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		wg      sync.WaitGroup
		writeMu sync.Mutex
	)
	write := func(msg wsInvokeResponse) {
		writeMu.Lock()
		defer writeMu.Unlock()
		err := wsjson.Write(ctx, wsConn, msg)
		if err != nil {
			s.logger.Debugf("error writing response for tag %q: %s", msg.Tag, err)
		}
	}

	for {
		var req wsInvokeRequest
		err := wsjson.Read(ctx, wsConn, &req)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			s.logger.Debug("got normal closure from client, wrapping up")
			break
		}
		if err != nil {
			s.logger.Debugf("message reader got error: %s", err)
			wsConn.Close(websocket.StatusInternalError, truncateReason(err.Error()))
			return
		}

		call, err := s.bridge.Submit(req.Event, req.Context)
		if err != nil {
			write(wsInvokeResponse{Tag: req.Tag, BridgeError: err.Error()})
			continue
		}
		wg.Add(1)
		go func(tag string) {
			defer wg.Done()
			res, err := call.Wait(ctx)
			if err != nil {
				return
			}
			write(wsInvokeResponse{Tag: tag, ID: call.ID, Error: res.Error, Value: res.Value})
		}(req.Tag)
	}

	// the client closed its side; in-flight calls are abandoned along with the conn
	cancel()
	wg.Wait()
}

// truncateReason keeps a close reason under the WebSocket limit of 123 bytes.
func truncateReason(reason string) string {
	if len(reason) > 100 {
		return reason[:100]
	}
	return reason
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	stats := s.bridge.Stats()
	resp := HealthResponse{
		Bridge:  stats.ID,
		PID:     stats.PID,
		Pending: stats.Pending,
	}

	proc, err := process.NewProcessWithContext(r.Context(), int32(stats.PID))
	if err != nil {
		s.logger.Debugf("error reading worker process %d: %s", stats.PID, err)
		writeJSON(w, http.StatusOK, resp)
		return
	}
	mem, err := proc.MemoryInfoWithContext(r.Context())
	if err != nil {
		s.logger.Debugf("error reading worker memory: %s", err)
	} else {
		resp.RSSBytes = mem.RSS
	}
	cpu, err := proc.CPUPercentWithContext(r.Context())
	if err != nil {
		s.logger.Debugf("error reading worker CPU: %s", err)
	} else {
		resp.CPUPercent = cpu
	}

	writeJSON(w, http.StatusOK, resp)
}
