// Command qerrorsd runs the qerrors engine as a standalone service: errors
// arrive over POST /errors, health and metrics are served alongside, and
// SIGINT/SIGTERM trigger a graceful drain.
//
// Exit codes: 0 normal, 1 configuration invalid, 2 fatal shutdown error.
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

	"github.com/itsneelabh/qerrors"
)

const (
	exitOK       = 0
	exitConfig   = 1
	exitShutdown = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", ":8787", "listen address")
	grace := flag.Duration("grace", 15*time.Second, "shutdown grace period")
	flag.Parse()

	engine, err := qerrors.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "qerrorsd: %v\n", err)
		return exitConfig
	}

	server := &http.Server{
		Addr:              *addr,
		Handler:           engine.Middleware(engine.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()
	fmt.Fprintf(os.Stderr, "qerrorsd %s listening on %s\n", qerrors.Version, *addr)

	select {
	case err := <-serveErr:
		// The listener died before any signal arrived.
		fmt.Fprintf(os.Stderr, "qerrorsd: serve: %v\n", err)
		_ = engine.Shutdown(context.Background())
		return exitShutdown
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *grace)
	defer cancel()

	code := exitOK
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "qerrorsd: http shutdown: %v\n", err)
		code = exitShutdown
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "qerrorsd: engine shutdown: %v\n", err)
		code = exitShutdown
	}
	return code
}
