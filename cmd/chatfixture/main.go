// Command chatfixture serves the local chat application the verify command
// checks. It listens on :5173 unless FIXTURE_LISTEN_ADDR or -addr says
// otherwise.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kuitang/chatverify/internal/chatfixture"
	"github.com/kuitang/chatverify/internal/config"
	"github.com/kuitang/chatverify/internal/obs"
)

func main() {
	addr := flag.String("addr", "", "Listen address (overrides FIXTURE_LISTEN_ADDR)")
	hideNewChat := flag.Bool("hide-new-chat", false, "Omit the New Chat button")
	disableInput := flag.Bool("disable-input", false, "Keep the message input disabled")
	skipCounters := flag.Bool("skip-counters", false, "Never show the token counters")
	flag.Parse()

	obs.Init()
	log := obs.Pkg("main")

	cfg := config.MustLoadFixtureConfig(*addr)

	store, err := chatfixture.OpenStore(cfg.DatabasePath)
	if err != nil {
		log.Error("store_open_failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	srv := chatfixture.NewServer(store, chatfixture.Options{
		ChunkDelay:   cfg.ChunkDelay,
		RateLimit:    cfg.RateLimit,
		HideNewChat:  *hideNewChat,
		DisableInput: *disableInput,
		SkipCounters: *skipCounters,
	})
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("Chat fixture listening on %s\n", cfg.ListenAddr)
		log.Info("fixture_listening", "addr", cfg.ListenAddr, "db", cfg.DatabasePath)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server_failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		log.Info("shutdown_requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown_incomplete", "error", err)
		}
	}
}
