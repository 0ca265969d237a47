// Command voicelink runs a sending-side voice transport client. Gateway
// events arrive as newline-delimited JSON on stdin; playback is driven
// through the HTTP control surface.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicelink/voicelink/internal/api"
	"github.com/voicelink/voicelink/internal/config"
	"github.com/voicelink/voicelink/internal/database"
	"github.com/voicelink/voicelink/internal/metrics"
	"github.com/voicelink/voicelink/internal/voice"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging (text or json format, configurable level).
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting voicelink",
		"user_id", cfg.UserID,
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
	)

	// Open the session journal unless disabled.
	var (
		sessionLog database.SessionLogRepository
		opts       = []voice.Option{voice.WithLogger(logger)}
	)
	if !cfg.NoJournal {
		db, err := database.Open(cfg.DataDir)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		sessionLog = database.NewSessionLogRepository(db)
		opts = append(opts, voice.WithJournal(&journalAdapter{repo: sessionLog}))
	}

	session := voice.New(cfg.UserID, opts...)
	defer session.Close()

	// Prometheus registry with the scrape-time voice collector.
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(session))

	// HTTP control/status server.
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      api.NewServer(session, sessionLog, registry),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Feed gateway events from stdin until EOF or shutdown.
	events := make(chan any)
	go readEvents(os.Stdin, events)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				slog.Info("gateway event stream closed")
				shutdown(srv, session)
				return
			}
			if err := session.Update(ev); err != nil {
				slog.Error("applying gateway event", "error", err)
			}
		case sig := <-stop:
			slog.Info("shutting down", "signal", sig.String())
			shutdown(srv, session)
			return
		}
	}
}

// readEvents parses newline-delimited gateway events and forwards the
// voice-related ones. The channel is closed on EOF.
func readEvents(r *os.File, events chan<- any) {
	defer close(events)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := voice.ParseGatewayEvent(line)
		if err != nil {
			slog.Warn("discarding malformed gateway event", "error", err)
			continue
		}
		if ev != nil {
			events <- ev
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Error("reading gateway event stream", "error", err)
	}
}

// shutdown tears down the voice session and the HTTP server.
func shutdown(srv *http.Server, session *voice.Session) {
	session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown", "error", err)
	}
}
