package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/venueops/gateguard/internal/config"
	"github.com/venueops/gateguard/internal/gateway"
	"github.com/venueops/gateguard/internal/server"
	"github.com/venueops/gateguard/internal/store"
	"github.com/venueops/gateguard/internal/telemetry"
	"github.com/venueops/gateguard/internal/ticket"
	"github.com/venueops/gateguard/internal/validate"
	"github.com/venueops/gateguard/internal/worker"
)

const (
	appName = "gateguard"
	version = "v1.0.0"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Offline-capable ticket validation gateway for attraction gates",
		Version: version,
		Long: `gateguard runs on a gate node and validates signed entry tickets against
a local per-gate database, so admission keeps working when the central
booking service is unreachable. Background services reconcile local state
with the server whenever connectivity allows.`,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")

	loadConfig := func() (config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return cfg, err
		}
		setupLogging(cfg.Logging)
		return cfg, nil
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Run the interactive scan loop for one gate",
		Long:  "Reads barcode scans from stdin and prints the admission decision for each, recording every scan in the gate's local database",
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, _ := cmd.Flags().GetString("gate")
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runValidate(cmd.Context(), cfg, gate, os.Stdin, os.Stdout)
		},
	}
	validateCmd.Flags().String("gate", "A", "Gate to validate for (A, B or C)")

	servicesCmd := &cobra.Command{
		Use:   "services",
		Short: "Run the background services and the monitor server",
		Long:  "Starts the manifest fetch, admission push and nightly cleanup workers under a supervisor, plus the monitor HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServices(cmd.Context(), cfg)
		},
	}

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run only the monitor HTTP server",
		Long:  "Serves /health, /stats and /metrics without starting any background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runMonitor(cmd.Context(), cfg)
		},
	}

	encodeCmd := &cobra.Command{
		Use:   "encode",
		Short: "Mint a signed ticket string",
		Long:  "Builds and signs a ticket for the given date, serial and per-gate passenger counts; intended for testing scanners and seeding demos",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			date, _ := cmd.Flags().GetString("date")
			serial, _ := cmd.Flags().GetString("serial")
			pax, _ := cmd.Flags().GetStringToInt("pax")
			return runEncode(cfg, date, serial, pax, os.Stdout)
		},
	}
	encodeCmd.Flags().String("date", time.Now().Format("20060102"), "Booking date (YYYYMMDD)")
	encodeCmd.Flags().String("serial", "000001", "Daily serial number")
	encodeCmd.Flags().StringToInt("pax", map[string]int{"A": 1}, "Passengers per gate name, e.g. A=2,B=1")

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run one cleanup pass immediately",
		Long:  "Backs up every gate database and purges tickets and scan history up to yesterday, without waiting for the hourly window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runCleanup(cmd.Context(), cfg)
		},
	}

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed sample tickets into every gate database",
		Long:  "Inserts a handful of test tickets for today so a freshly imaged node can be bench-checked offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runSeed(cmd.Context(), cfg)
		},
	}

	rootCmd.AddCommand(validateCmd, servicesCmd, monitorCmd, encodeCmd, cleanupCmd, seedCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// setupLogging configures the global zerolog logger from the config: console
// output on stderr, optionally duplicated to a log file.
func setupLogging(cfg config.LoggingConfig) {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	if cfg.File == "" {
		log.Logger = log.Output(console)
		return
	}

	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Logger = log.Output(console)
		log.Warn().Err(err).Str("file", cfg.File).Msg("Cannot open log file, logging to console only")
		return
	}
	log.Logger = log.Output(zerolog.MultiLevelWriter(console, f))
}

// openAllStores opens the database of every gate. On failure the already
// opened stores are closed.
func openAllStores(cfg config.Config) ([]*store.Store, error) {
	var stores []*store.Store
	for _, gate := range store.Gates {
		st, err := store.Open(gate, store.WithDir(cfg.Database.Dir))
		if err != nil {
			for _, open := range stores {
				open.Close()
			}
			return nil, fmt.Errorf("failed to open store for gate %s: %w", gate, err)
		}
		stores = append(stores, st)
	}
	return stores, nil
}

func closeAll(stores []*store.Store) {
	for _, st := range stores {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Str("gate", st.Gate()).Msg("Store close failed")
		}
	}
}

// runValidate is the operator-facing scan loop: one barcode per line on
// stdin, one decision per line on out. An empty line or EOF ends the loop.
func runValidate(ctx context.Context, cfg config.Config, gate string, in io.Reader, out io.Writer) error {
	gate = strings.ToUpper(gate)

	st, err := store.Open(gate, store.WithDir(cfg.Database.Dir))
	if err != nil {
		return err
	}
	defer st.Close()

	codec := ticket.NewCodec(cfg.SecretKey, cfg.GateMapping)
	validator := validate.New(codec, st, gate, nil)

	fmt.Fprintf(out, "Gate %s ready. Scan a ticket (empty line to quit):\n", gate)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			break
		}

		dec := validator.Validate(ctx, line)
		if dec.Valid {
			fmt.Fprintf(out, "ALLOWED  %s  entry %d/%d\n", dec.ReferenceNo, dec.UsedAfter, dec.Pax)
		} else {
			fmt.Fprintf(out, "DENIED   %s\n", dec.Reason)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read scans: %w", err)
	}

	fmt.Fprintln(out, "Goodbye.")
	return nil
}

// runServices starts the enabled workers under the supervisor together with
// the monitor server, and blocks until shutdown.
func runServices(ctx context.Context, cfg config.Config) error {
	stores, err := openAllStores(cfg)
	if err != nil {
		return err
	}
	defer closeAll(stores)

	metrics := telemetry.New()
	client := gateway.NewClient(cfg, metrics)

	var workers []worker.Worker
	if cfg.FetchWorkerEnabled() {
		workers = append(workers, worker.NewFetchWorker(cfg, client, stores, metrics))
	}
	if cfg.SyncWorkerEnabled() {
		workers = append(workers, worker.NewPushWorker(cfg, client, stores, metrics))
	}
	if cfg.CleanupWorkerEnabled() {
		workers = append(workers, worker.NewCleanupWorker(cfg, stores, metrics))
	}
	if len(workers) == 0 {
		log.Warn().Msg("All background services disabled in config")
	}

	if cfg.Services.AddDummyTickets {
		today := time.Now().Format("2006-01-02")
		for _, st := range stores {
			if err := st.SeedSampleTickets(ctx, today); err != nil {
				log.Error().Err(err).Str("gate", st.Gate()).Msg("Failed to seed sample tickets")
			}
		}
	}

	sup := worker.NewSupervisor(workers...)
	mon := server.New(cfg.Monitor.ListenAddr, stores, metrics, sup)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	monErr := make(chan error, 1)
	go func() {
		if err := mon.Run(ctx); err != nil && err != context.Canceled {
			monErr <- err
		}
	}()

	err = sup.Run(ctx)
	cancel()

	select {
	case merr := <-monErr:
		log.Error().Err(merr).Msg("Monitor server failed")
	default:
	}
	if err == context.Canceled {
		return nil
	}
	return err
}

// runMonitor serves the operational endpoints without any workers.
func runMonitor(ctx context.Context, cfg config.Config) error {
	stores, err := openAllStores(cfg)
	if err != nil {
		return err
	}
	defer closeAll(stores)

	metrics := telemetry.New()
	mon := server.New(cfg.Monitor.ListenAddr, stores, metrics, nil)
	if err := mon.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func runEncode(cfg config.Config, date, serial string, paxByName map[string]int, out io.Writer) error {
	codec := ticket.NewCodec(cfg.SecretKey, cfg.GateMapping)

	paxByCode := make(map[string]int, len(paxByName))
	for name, pax := range paxByName {
		code, ok := codec.GateCode(name)
		if !ok {
			return fmt.Errorf("unknown gate name %q", name)
		}
		paxByCode[code] = pax
	}

	ticketString, err := codec.Build(date, serial, paxByCode)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, ticketString)
	return nil
}

func runCleanup(ctx context.Context, cfg config.Config) error {
	stores, err := openAllStores(cfg)
	if err != nil {
		return err
	}
	defer closeAll(stores)

	worker.NewCleanupWorker(cfg, stores, nil).RunOnce(ctx)
	return nil
}

func runSeed(ctx context.Context, cfg config.Config) error {
	stores, err := openAllStores(cfg)
	if err != nil {
		return err
	}
	defer closeAll(stores)

	today := time.Now().Format("2006-01-02")
	for _, st := range stores {
		if err := st.SeedSampleTickets(ctx, today); err != nil {
			return fmt.Errorf("failed to seed gate %s: %w", st.Gate(), err)
		}
	}
	return nil
}
