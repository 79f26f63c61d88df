package cmd

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tunnelgate/tunnelgate/internal/bus"
	"github.com/tunnelgate/tunnelgate/internal/config"
	"github.com/tunnelgate/tunnelgate/internal/forward"
	"github.com/tunnelgate/tunnelgate/internal/inspect"
	"github.com/tunnelgate/tunnelgate/internal/prom"
	"github.com/tunnelgate/tunnelgate/internal/ratelimit"
	"github.com/tunnelgate/tunnelgate/internal/replay"
	"github.com/tunnelgate/tunnelgate/internal/server"
	"github.com/tunnelgate/tunnelgate/internal/tunnel"
)

var (
	configPath string
	listenAddr string
	apexDomain string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tunnel gateway",
	Long:  `Start the gateway that accepts agent control channels on /connect and routes subdomain traffic through them.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			log.Fatalf("Config error: %v", err)
		}
		if cmd.Flags().Changed("addr") {
			cfg.Listen.Addr = listenAddr
		}
		if cmd.Flags().Changed("apex") {
			cfg.Domain.Apex = apexDomain
		}

		b := bus.New()
		registry := tunnel.NewRegistry(b, cfg.Tunnel.Reserved, cfg.Tunnel.MaxSubdomainAttempts, cfg.Tunnel.HeartbeatInterval)
		inspector := inspect.New(b, inspect.Options{
			MaxStored:       cfg.Inspector.MaxStored,
			Retention:       cfg.Inspector.Retention,
			MetricsInterval: cfg.Inspector.MetricsInterval,
			CleanupInterval: cfg.Inspector.CleanupInterval,
		})
		forwarder := forward.New(registry, b, cfg.Tunnel.RequestTimeout)
		engine := replay.NewEngine(inspector.Store(), registry, forwarder, cfg.Replay.HistorySize)

		var gate *ratelimit.Gate
		if cfg.RateLimit.Enabled {
			gate = ratelimit.NewGate(ratelimit.Limits{
				Client: cfg.RateLimit.ClientLimit,
				Tunnel: cfg.RateLimit.TunnelLimit,
				Global: cfg.RateLimit.GlobalLimit,
			})
			log.Printf("Rate limiting enabled (client=%d tunnel=%d global=%d per minute)",
				cfg.RateLimit.ClientLimit, cfg.RateLimit.TunnelLimit, cfg.RateLimit.GlobalLimit)
		}
		access := ratelimit.NewAccessControl(ratelimit.AccessPolicy{
			AllowIPs:      cfg.Access.AllowIPs,
			DenyIPs:       cfg.Access.DenyIPs,
			MaxFailedAuth: cfg.Access.MaxFailedAuth,
			BlockDuration: cfg.Access.BlockDuration,
		})

		promReg := prom.NewRegistry()
		observer := prom.NewGatewayObserver(promReg)
		exporter := prom.NewExporter(b, observer)

		srv := server.New(cfg, registry, forwarder, inspector, engine, gate, access, promReg)
		httpServer := &http.Server{Addr: cfg.Listen.Addr, Handler: srv.Handler()}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			inspector.Run(ctx)
			return nil
		})
		g.Go(func() error {
			exporter.Run(ctx)
			return nil
		})
		if gate != nil {
			g.Go(func() error {
				ticker := time.NewTicker(time.Minute)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
						gate.Limiter().Sweep()
					}
				}
			})
		}
		g.Go(func() error {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})

		// Graceful shutdown on SIGTERM/SIGINT.
		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			sig := <-sigCh
			log.Printf("Received %v, shutting down...", sig)
			registry.CloseAll("Server shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			httpServer.Shutdown(shutdownCtx)
			cancel()
		}()

		log.Printf("Starting tunnelgate on %s (apex: %s)", cfg.Listen.Addr, cfg.Domain.Apex)
		if err := g.Wait(); err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	serveCmd.Flags().StringVar(&listenAddr, "addr", ":8080", "Address to listen on")
	serveCmd.Flags().StringVar(&apexDomain, "apex", "localhost", "Apex domain under which tunnel subdomains live")
}
