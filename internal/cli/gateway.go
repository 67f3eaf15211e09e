package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newGatewayCmd(flags *globalFlags) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Serve the chat and terminal API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Gateway.Host = host
			}
			if port != 0 {
				cfg.Gateway.Port = port
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			log, err := flags.logger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			a, err := buildApp(cfg, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Warn("shutdown cleanup failed", zap.Error(err))
				}
			}()

			out := cmd.OutOrStdout()
			printHeader(out, "🌐 clawgate gateway")
			fmt.Fprintf(out, "Listening on %s\n", color.GreenString("http://%s", cfg.Gateway.Addr()))
			fmt.Fprintf(out, "Allowed commands: %v\n", a.gate.Classifier().Allowed())
			fmt.Fprintf(out, "Audit log: %s\n", a.audit.Path())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", cfg.Gateway.Addr())
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Gateway.Addr(), err)
			}
			srv := &http.Server{
				Handler:           a.handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			shutdown := time.Duration(cfg.Gateway.ShutdownSeconds) * time.Second
			if err := serve(ctx, srv, ln, shutdown, log); err != nil {
				return err
			}
			fmt.Fprintln(out, "Gateway stopped.")
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides config)")
	return cmd
}

// serve runs srv on ln until ctx is cancelled, then drains in-flight
// requests for at most grace.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, grace time.Duration, log *zap.Logger) error {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("gateway listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("gateway shutting down", zap.Duration("grace", grace))
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
