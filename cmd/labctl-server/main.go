// Command labctl-server runs the lab controller: it scans for instruments,
// maintains their sessions, and serves the client protocol over websocket.
// CLI wiring follows the cobra+viper pairing used throughout the corpus.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"labctl/internal/config"
	"labctl/internal/registry"
	"labctl/internal/sequence"
	"labctl/internal/server"
	"labctl/internal/session"
	"labctl/internal/store"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "labctl-server",
		Short: "Lab Controller: multi-instrument SCPI session server",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to labctl.yaml")
	viper.BindPFlag("config", root.PersistentFlags().Lookup("config"))

	root.AddCommand(serveCmd(), scanCmd())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the session server and websocket listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one instrument scan and print discovered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return runScanOnce(cfg)
		},
	}
}

// noopPortLister/noopUSBLister stand in for the OS-level enumeration a real
// deployment supplies (spec §4.3's registry treats port/USB discovery as an
// external collaborator); they let `scan`/`serve` run end to end against an
// empty instrument set out of the box.
type noopPortLister struct{}

func (noopPortLister) ListSerialPorts(ctx context.Context) ([]registry.SerialCandidate, error) {
	return nil, nil
}

type noopUSBLister struct{}

func (noopUSBLister) ListUSBDevices(ctx context.Context) ([]registry.USBCandidate, error) {
	return nil, nil
}

func buildScanner(cfg config.Config) *registry.Scanner {
	// Probe factories are wired per supported model in a full deployment
	// (internal/driver/psu, internal/driver/scope); left empty here since
	// the concrete transport-opening closures depend on deployment-specific
	// device paths not knowable from config alone.
	scanner := registry.NewScanner(noopPortLister{}, noopUSBLister{}, nil)
	return scanner
}

func runServe(cfg config.Config) error {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scanner := buildScanner(cfg)
	scanner.Interval = time.Duration(cfg.Scanner.IntervalMs) * time.Millisecond

	sessions := session.NewManager(ctx)
	go sessions.Run(ctx, scanner)
	go scanner.Run(ctx)

	seqMgr := sequence.NewManager()
	router := server.NewRouter(ctx, sessions, scanner, seqMgr, st)
	go router.RunHeartbeat(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		server.ServeWS(router, w, r)
	})

	httpServer := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("labctl-server: listening on %s", cfg.Server.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-sigCh:
		log.Printf("labctl-server: shutting down")
		cancel()
		return httpServer.Close()
	}
	return nil
}

func runScanOnce(cfg config.Config) error {
	scanner := buildScanner(cfg)
	found := scanner.ScanOnce(context.Background())
	log.Printf("labctl-server: found %d instrument(s)", len(found))
	for _, ld := range found {
		log.Printf("  %s (%s %s)", ld.Info.ID, ld.Info.Manufacturer, ld.Info.Model)
	}
	return nil
}
