package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/stdiobridge/bridge"
	"github.com/guseggert/stdiobridge/server"
	"github.com/guseggert/stdiobridge/worker"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "stdiobridge",
		Usage: "hand events to a long-lived worker process over its stdin and stdout",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "start the worker and serve invocations over HTTP",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "worker",
						Usage:   "Path to the worker executable.",
						Value:   worker.DefaultCommand,
						EnvVars: []string{"STDIOBRIDGE_WORKER"},
					},
					&cli.StringSliceFlag{
						Name:  "worker-arg",
						Usage: "Argument to pass to the worker. May be repeated.",
					},
					&cli.StringFlag{
						Name:    "listen-addr",
						Usage:   "The address for the HTTP server to listen on.",
						Value:   "0.0.0.0:3000",
						EnvVars: []string{"STDIOBRIDGE_LISTEN_ADDR"},
					},
					&cli.StringFlag{
						Name:  "invoke-timeout",
						Usage: "Duration an HTTP invocation waits for the worker before giving up.",
						Value: "30s",
					},
					&cli.BoolFlag{
						Name:    "debug",
						Usage:   "Log every line read from the worker, and every line discarded.",
						EnvVars: []string{bridge.DebugEnv},
					},
				},
				Action: serve,
			},
			{
				Name:  "invoke",
				Usage: "send one event to a running server and print the result",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "Base URL of the server.",
						Value: "http://127.0.0.1:3000",
					},
					&cli.StringFlag{
						Name:  "event",
						Usage: "The event, as JSON.",
						Value: "null",
					},
					&cli.StringFlag{
						Name:  "context",
						Usage: "The context, as JSON.",
						Value: "null",
					},
				},
				Action: invoke,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serve(ctx *cli.Context) error {
	invokeTimeout, err := time.ParseDuration(ctx.String("invoke-timeout"))
	if err != nil {
		return fmt.Errorf("parsing invoke timeout: %w", err)
	}
	debug := ctx.Bool("debug")

	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	b, err := bridge.New(ctx.Context,
		bridge.WithLogger(logger),
		bridge.WithDebug(debug),
		bridge.WithCommand(ctx.String("worker"), ctx.StringSlice("worker-arg")...),
	)
	if err != nil {
		return err
	}

	s, err := server.New(b,
		server.WithLogger(logger),
		server.WithLogLevel(level),
		server.WithListenAddr(ctx.String("listen-addr")),
		server.WithInvokeTimeout(invokeTimeout),
	)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run() }()

	sigCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-b.Done():
		// no restart: whatever supervises this process decides what happens next
		s.Stop()
		return fmt.Errorf("fatal: %w", b.Err())
	case err := <-runErr:
		b.Stop()
		if err != nil {
			return fmt.Errorf("serving HTTP: %w", err)
		}
		return nil
	case <-sigCtx.Done():
		logger.Sugar().Info("shutting down")
		s.Stop()
		b.Stop()
		return nil
	}
}

func invoke(ctx *cli.Context) error {
	event := []byte(ctx.String("event"))
	eventContext := []byte(ctx.String("context"))
	if !json.Valid(event) {
		return fmt.Errorf("event is not valid JSON")
	}
	if !json.Valid(eventContext) {
		return fmt.Errorf("context is not valid JSON")
	}

	logger, err := zap.NewDevelopment(zap.IncreaseLevel(zapcore.WarnLevel))
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	client := server.NewClient(logger.Sugar(), ctx.String("addr"))

	reqCtx, cancel := context.WithTimeout(ctx.Context, time.Minute)
	defer cancel()
	resp, err := client.Invoke(reqCtx, event, eventContext)
	if err != nil {
		return err
	}
	if len(resp.Error) > 0 && !bytes.Equal(resp.Error, []byte("null")) {
		return fmt.Errorf("worker error: %s", resp.Error)
	}
	fmt.Println(string(resp.Value))
	return nil
}
