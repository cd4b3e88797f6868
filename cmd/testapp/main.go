// testapp serves the fixture application the built-in scenarios target.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kuitang/ui-scenarios/internal/obs"
	"github.com/kuitang/ui-scenarios/internal/testapp"
)

const shutdownTimeout = 5 * time.Second

type options struct {
	addr      string
	noMarker  bool
	seedOwner string
	revOwner  string
	keyRPS    float64
	keyBurst  int
}

func parseOptions(args []string, output io.Writer) (options, error) {
	def := testapp.DefaultConfig()
	var o options
	fs := flag.NewFlagSet("testapp", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&o.addr, "addr", ":3000", "Listen address")
	fs.BoolVar(&o.noMarker, "no-render-marker", false, "Omit the component render marker (provokes rendering failures)")
	fs.StringVar(&o.seedOwner, "seed-key", "", "Issue an API key for this owner at startup and print it")
	fs.StringVar(&o.revOwner, "seed-revoked-key", "", "Issue and immediately revoke an API key for this owner, and print it")
	fs.Float64Var(&o.keyRPS, "key-rps", def.KeyAttempts.RPS, "API key attempts per second per client")
	fs.IntVar(&o.keyBurst, "key-burst", def.KeyAttempts.Burst, "API key attempt burst per client")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return o, nil
}

func (o options) config() testapp.Config {
	cfg := testapp.DefaultConfig()
	cfg.RenderMarker = !o.noMarker
	cfg.KeyAttempts.RPS = o.keyRPS
	cfg.KeyAttempts.Burst = o.keyBurst
	return cfg
}

func main() {
	obs.Init()
	o, err := parseOptions(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, o, os.Stdout); err != nil {
		obs.Pkg("main").Error("testapp_failed", "error", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, o options, stdout io.Writer) error {
	log := obs.Pkg("main")
	app := testapp.New(o.config(), nil)
	defer app.Close()

	if err := seedKeys(app.Keys(), o, stdout); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              o.addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("testapp_listening", "addr", o.addr, "render_marker", !o.noMarker)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("testapp_stopped")
	return nil
}

// seedKeys issues the startup keys requested by o and prints their tokens. The
// revoked key is one the app has really issued, so requests with it take the
// revoked-credential path rather than the unknown-key one.
func seedKeys(keys *testapp.KeyStore, o options, stdout io.Writer) error {
	if o.seedOwner != "" {
		token, key, err := keys.Issue(o.seedOwner)
		if err != nil {
			return fmt.Errorf("seed key: %w", err)
		}
		fmt.Fprintf(stdout, "API key for %s (%s): %s\n", o.seedOwner, key.ID, token)
	}
	if o.revOwner != "" {
		token, key, err := keys.Issue(o.revOwner)
		if err != nil {
			return fmt.Errorf("seed revoked key: %w", err)
		}
		if err := keys.Revoke(key.ID); err != nil {
			return fmt.Errorf("revoke seeded key: %w", err)
		}
		fmt.Fprintf(stdout, "Revoked API key for %s (%s): %s\n", o.revOwner, key.ID, token)
	}
	return nil
}
