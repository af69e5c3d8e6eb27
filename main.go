package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gluk-w/workshop-gateway/internal/config"
	"github.com/gluk-w/workshop-gateway/internal/ingress"
	"github.com/gluk-w/workshop-gateway/internal/metrics"
	"github.com/gluk-w/workshop-gateway/internal/middleware"
	"github.com/gluk-w/workshop-gateway/internal/server"
	"github.com/gluk-w/workshop-gateway/internal/terminal"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var listenAddr, ingressFile string

	cmd := &cobra.Command{
		Use:           "workshop-gateway",
		Short:         "Terminal multiplexer and ingress proxy for a workshop session",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				log.Errorf("[gateway] %v", err)
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = listenAddr
			}
			if cmd.Flags().Changed("ingress-file") {
				cfg.IngressFile = ingressFile
			}
			if err := run(cmd.Context(), cfg); err != nil {
				log.Errorf("[gateway] %v", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides GATEWAY_LISTEN_ADDR)")
	cmd.Flags().StringVar(&ingressFile, "ingress-file", "", "ingress YAML file (overrides GATEWAY_INGRESS_FILE)")
	return cmd
}

func run(ctx context.Context, cfg config.Settings) error {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	ingresses, err := loadIngresses(cfg.IngressFile)
	if err != nil {
		return err
	}
	table, err := ingress.NewTable(ingresses)
	if err != nil {
		return err
	}
	log.Printf("[gateway] %d ingresses for *.%s (session %s)", len(ingresses), cfg.IngressDomain, cfg.SessionNamespace)

	if cfg.IdentityTokenGenerated {
		log.Printf("[gateway] generated terminal identity token %s", cfg.IdentityToken)
	}

	m := metrics.New()

	registry := terminal.NewRegistry(terminal.SessionOptions{
		Token: cfg.IdentityToken,
		Launcher: terminal.PTYLauncher(terminal.Command{
			Path: cfg.TerminalCommand,
			Args: cfg.TerminalArgs,
		}),
		BufferLimit: cfg.TerminalBufferSize,
		Cols:        cfg.TerminalCols,
		Rows:        cfg.TerminalRows,
		Metrics:     m,
	})
	endpoint := terminal.NewEndpoint(registry, terminal.EndpointOptions{
		SendQueue:  cfg.TerminalSendQueue,
		InputRate:  cfg.TerminalInputRate,
		InputBurst: cfg.TerminalInputBurst,
		Metrics:    m,
	})

	log.Warnf("[gateway] no access-control collaborator configured, session ingresses are open")
	gw := server.New(server.Options{
		ListenAddr:       cfg.ListenAddr,
		SessionNamespace: cfg.SessionNamespace,
		IngressDomain:    cfg.IngressDomain,
		HeaderToken:      cfg.HeaderToken,
		Table:            table,
		Registry:         registry,
		Endpoint:         endpoint,
		Access:           middleware.AllowAll,
		Metrics:          m,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(gw.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return gw.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		watchReload(gctx, cfg.IngressFile, table)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func loadIngresses(path string) ([]ingress.Ingress, error) {
	if path == "" {
		return nil, nil
	}
	return ingress.LoadFile(path)
}

// watchReload re-reads the ingress file on SIGHUP. A file that fails to
// load leaves the current table in place.
func watchReload(ctx context.Context, path string, table *ingress.Table) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if path == "" {
				log.Printf("[gateway] SIGHUP ignored: no ingress file configured")
				continue
			}
			ingresses, err := ingress.LoadFile(path)
			if err == nil {
				err = table.Store(ingresses)
			}
			if err != nil {
				log.Errorf("[gateway] reload ingresses: %v", err)
				continue
			}
			log.Printf("[gateway] reloaded %d ingresses from %s", len(ingresses), path)
		}
	}
}
