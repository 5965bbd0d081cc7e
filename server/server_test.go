package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/stdiobridge/bridge"
	"github.com/guseggert/stdiobridge/handler"
	"github.com/guseggert/stdiobridge/worker"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var (
	log *zap.SugaredLogger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}

	log = l.Sugar()
}

const helperEnv = "STDIOBRIDGE_SERVER_HELPER"

// TestHelperProcess is not a real test: it is the worker process started by the bridges below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) == "" {
		t.Skip("helper process")
	}
	_ = handler.Serve(context.Background(), os.Stdin, os.Stdout, handler.HandlerFunc(
		func(ctx context.Context, event, eventContext json.RawMessage) (any, error) {
			switch string(event) {
			case `"fail"`:
				return nil, errors.New("boom")
			case `"slow"`:
				time.Sleep(time.Second)
			}
			return map[string]json.RawMessage{"event": event, "context": eventContext}, nil
		}))
	os.Exit(0)
}

func startBridge(t *testing.T) *bridge.Bridge {
	t.Helper()
	b, err := bridge.New(context.Background(),
		bridge.WithLogger(zap.NewNop()),
		bridge.WithWorker(worker.Config{
			Command: os.Args[0],
			Args:    []string{"-test.run=TestHelperProcess"},
			Env:     []string{helperEnv + "=1"},
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

func startServer(t *testing.T, b Bridge, opts ...Option) *httptest.Server {
	t.Helper()
	s, err := New(b, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	require.NoError(t, err)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	return hs
}

// failingBridge rejects every submission, like a bridge whose worker has exited.
type failingBridge struct{}

func (failingBridge) Submit(event, eventContext any) (*bridge.Call, error) {
	return nil, fmt.Errorf("sending request 1: %w", worker.ErrExited)
}

func (failingBridge) Stats() bridge.Stats {
	return bridge.Stats{ID: "failing", PID: os.Getpid()}
}

func TestLoggerOptions(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	// the level applies regardless of option order
	s, err := New(failingBridge{}, WithLogLevel(zapcore.WarnLevel), WithLogger(zap.New(core)))
	require.NoError(t, err)
	s.logger.Info("dropped")
	s.logger.Warn("kept")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0].Message)
	assert.Equal(t, "server", entries[0].LoggerName)

	s, err = New(failingBridge{}, WithLogLevel(zapcore.ErrorLevel))
	require.NoError(t, err)
	assert.False(t, s.logger.Desugar().Core().Enabled(zapcore.WarnLevel))
}

func TestInvoke(t *testing.T) {
	ctx := context.Background()
	hs := startServer(t, startBridge(t))
	client := NewClient(log, hs.URL)

	cases := []struct {
		name     string
		event    string
		context  string
		expError string
		expValue string
	}{
		{
			name:     "login",
			event:    `"login"`,
			context:  `{"user":"a"}`,
			expError: `null`,
			expValue: `{"event":"login","context":{"user":"a"}}`,
		},
		{
			name:     "application error",
			event:    `"fail"`,
			context:  `{}`,
			expError: `"boom"`,
			expValue: `null`,
		},
		{
			name:     "multi-line payload",
			event:    "{\n\"path\": \"/a\\nb\"\n}",
			context:  `null`,
			expError: `null`,
			expValue: `{"event":{"path":"/a\nb"},"context":null}`,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp, err := client.Invoke(ctx, json.RawMessage(c.event), json.RawMessage(c.context))
			require.NoError(t, err)
			assert.NotEmpty(t, resp.ID)
			assert.JSONEq(t, c.expError, string(resp.Error))
			assert.JSONEq(t, c.expValue, string(resp.Value))
		})
	}
}

func TestInvokeTimeout(t *testing.T) {
	b := startBridge(t)
	hs := startServer(t, b, WithInvokeTimeout(50*time.Millisecond))
	client := NewClient(log, hs.URL)

	_, err := client.Invoke(context.Background(), json.RawMessage(`"slow"`), nil)
	assert.ErrorContains(t, err, "504")

	// the call is still pending in the bridge until the worker answers
	assert.Equal(t, 1, b.Stats().Pending)
	assert.Eventually(t, func() bool { return b.Stats().Pending == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestInvokeBridgeFailure(t *testing.T) {
	hs := startServer(t, failingBridge{})
	client := NewClient(log, hs.URL)

	_, err := client.Invoke(context.Background(), json.RawMessage(`"x"`), nil)
	assert.ErrorContains(t, err, "503")
	assert.ErrorContains(t, err, "worker exited")
}

func TestInvokeBadRequest(t *testing.T) {
	hs := startServer(t, failingBridge{})

	resp, err := http.Post(hs.URL+"/invoke", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	ctx := context.Background()
	b := startBridge(t)
	hs := startServer(t, b)
	client := NewClient(log, hs.URL)

	require.NoError(t, client.WaitForServer(ctx))

	health, err := client.Health(ctx)
	require.NoError(t, err)
	stats := b.Stats()
	assert.Equal(t, stats.ID, health.Bridge)
	assert.Equal(t, stats.PID, health.PID)
	assert.Zero(t, health.Pending)
	assert.NotZero(t, health.RSSBytes)
}

func TestInvokeWebSocket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hs := startServer(t, startBridge(t))

	conn, _, err := websocket.Dial(ctx, hs.URL+"/invoke/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// the slow request is sent first but answered last
	reqs := []wsInvokeRequest{
		{Tag: "slow", Event: json.RawMessage(`"slow"`)},
		{Tag: "a", Event: json.RawMessage(`"a"`), Context: json.RawMessage(`{"n":1}`)},
		{Tag: "fail", Event: json.RawMessage(`"fail"`)},
	}
	for _, req := range reqs {
		require.NoError(t, wsjson.Write(ctx, conn, req))
	}

	var order []string
	got := map[string]wsInvokeResponse{}
	for len(got) < len(reqs) {
		var resp wsInvokeResponse
		require.NoError(t, wsjson.Read(ctx, conn, &resp))
		order = append(order, resp.Tag)
		got[resp.Tag] = resp
	}

	assert.Equal(t, "slow", order[len(order)-1])
	assert.JSONEq(t, `{"event":"a","context":{"n":1}}`, string(got["a"].Value))
	assert.JSONEq(t, `"boom"`, string(got["fail"].Error))
	assert.NotEqual(t, got["a"].ID, got["fail"].ID)
}

func TestInvokeWebSocketBridgeFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hs := startServer(t, failingBridge{})

	conn, _, err := websocket.Dial(ctx, hs.URL+"/invoke/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, conn, wsInvokeRequest{Tag: "x"}))
	var resp wsInvokeResponse
	require.NoError(t, wsjson.Read(ctx, conn, &resp))
	assert.Equal(t, "x", resp.Tag)
	assert.Contains(t, resp.BridgeError, "worker exited")
}

func TestRunAndStop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := New(startBridge(t), WithLogger(zap.NewNop()), WithListenAddr("127.0.0.1:0"))
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run() }()

	addr, err := s.Addr(ctx)
	require.NoError(t, err)

	client := NewClient(log, "http://"+addr.String(), WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	resp, err := client.Invoke(ctx, json.RawMessage(`"ping"`), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"ping","context":null}`, string(resp.Value))

	require.NoError(t, s.Stop())
	require.NoError(t, <-runErr)
}
