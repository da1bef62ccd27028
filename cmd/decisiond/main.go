// Package main is the entry point for decisiond, the ERP agent decision engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/ironmill-erp/decision-engine/internal/config"
	"github.com/ironmill-erp/decision-engine/internal/ipc"
	"github.com/ironmill-erp/decision-engine/internal/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Options are the command line flags. The struct tags are interpreted by
// github.com/jessevdk/go-flags.
type Options struct {
	Config  string `short:"f" long:"config" env:"DECISIOND_CONFIG" description:"path to configuration YAML/JSON file"`
	Listen  string `short:"l" long:"listen" description:"override the listen address"`
	Version bool   `short:"v" long:"version" description:"print version and exit"`
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		var fe *flags.Error
		if errors.As(err, &fe) && fe.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fatal(err.Error())
	}

	if opts.Version {
		fmt.Printf("decisiond %s (commit=%s, built=%s)\n", version, commit, date)
		os.Exit(0)
	}

	if err := run(opts); err != nil {
		fatal(err.Error())
	}
}

func parseOptions(args []string) (*Options, error) {
	opts := &Options{}
	parser := flags.NewParser(opts, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	return opts, nil
}

func run(opts *Options) error {
	path := opts.Config
	if path == "" {
		path = discoverConfig()
	}
	if path == "" {
		return errors.New("no config found; use --config <path> or set DECISIOND_CONFIG")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.Listen != "" {
		cfg.ListenAddr = opts.Listen
	}

	log := logger.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	a.supervisor.Start(ctx)
	srv := ipc.NewServer(a.handler, cfg.ListenAddr, cfg.Logging.Service)

	errCh := make(chan error, 1)
	go func() {
		log.Info("decision engine listening", "addr", cfg.ListenAddr, "store", cfg.Store,
			"oracle_enabled", cfg.Oracle.Enabled, "version", version)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		a.supervisor.Stop()
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	a.supervisor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", "error", err)
	}
	return nil
}

// discoverConfig looks for config.yaml next to the executable, then in the cwd.
func discoverConfig() string {
	var dirs []string
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	dirs = append(dirs, ".")
	for _, dir := range dirs {
		for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}

func fatal(msg string) {
	fmt.Fprintf(os.Stderr, "ERROR: %s\n", msg)
	os.Exit(1)
}
