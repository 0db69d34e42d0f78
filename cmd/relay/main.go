package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/felixge/httpsnoop"

	"github.com/coscribe/coscribe/pkg/relay"
	"github.com/coscribe/coscribe/pkg/replica"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "localhost:8080", "the address to listen on")
	dbVar := flag.String("db", "coscribe.sqlite3", "the snapshot database path, empty for in-memory")
	redisVar := flag.String("redis", "", "redis address for multi-instance fan-out, empty to disable")
	flag.Parse()

	cfg := relay.Config{
		Seed: func(docID string) []byte {
			r, err := replica.New()
			if err != nil {
				slog.Error("failed to seed document", "doc", docID, "err", err)
				return nil
			}
			return r.ExportSnapshot()
		},
	}

	if *dbVar != "" {
		slog.Info("Opening database", "path", *dbVar)
		store, err := relay.OpenSQLiteStore(*dbVar)
		if err != nil {
			return err
		}
		defer store.Close()
		cfg.Store = store
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *redisVar != "" {
		slog.Info("Connecting to redis", "addr", *redisVar)
		bridge, err := relay.NewRedisBridge(ctx, *redisVar)
		if err != nil {
			return err
		}
		defer bridge.Close()
		cfg.Bridge = bridge
	}

	s := relay.New(cfg)

	inner := s.Handler()
	handler := http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		m := httpsnoop.CaptureMetrics(inner, writer, request)
		slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
	})

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.Run(ctx); err != nil {
			slog.Error("relay run failed", "err", err)
		}
	}()

	httpServer := &http.Server{Addr: *addrVar, Handler: handler}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()

	wg.Wait()
	return nil
}
