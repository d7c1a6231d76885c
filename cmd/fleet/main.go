package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"fleetd/internal/config"
	"fleetd/internal/fleet"
	"fleetd/internal/hardware"
	"fleetd/internal/health"
	"fleetd/internal/httpapi"
	"fleetd/internal/probe"
	"fleetd/internal/registry"
	"fleetd/internal/supervisor"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fleet:", err)
		os.Exit(fleet.ExitCode(err))
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type cliOptions struct {
	configPath  string
	profilePath string
	stateDir    string
	logDir      string
	brokerURL   string
	datastore   string
	listenAddr  string
	corsOrigins string
	logLevel    string
}

// splitCSV splits a comma-separated flag value, trimming blanks.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// runtime bundles everything a command needs once flags are resolved.
type runtime struct {
	cfg  config.Config
	log  zerolog.Logger
	ctrl *fleet.Controller
	agg  *health.Aggregator
}

func (o *cliOptions) setup() (*runtime, error) {
	var cfg config.Config
	if o.configPath != "" {
		c, err := config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = c
	}
	if o.profilePath != "" {
		cfg.ProfilePath = o.profilePath
	}
	if o.stateDir != "" {
		cfg.StateDir = o.stateDir
	}
	if o.logDir != "" {
		cfg.LogDir = o.logDir
	}
	if o.brokerURL != "" {
		cfg.BrokerURL = o.brokerURL
	}
	if o.datastore != "" {
		cfg.DatastorePath = o.datastore
	}
	if o.listenAddr != "" {
		cfg.ListenAddr = o.listenAddr
	}
	if o.corsOrigins != "" {
		cfg.CORSOrigins = splitCSV(o.corsOrigins)
	}
	cfg = cfg.Normalize()

	lvl, err := zerolog.ParseLevel(o.logLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(lvl).With().Timestamp().Logger()

	reg, err := registry.Open(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	sup := supervisor.New(reg, cfg.LogDir, log)
	prober := probe.New(log)
	ctrl := fleet.New(cfg, hardware.NewNVMLInspector(), sup, prober, reg, log)
	agg := health.New(cfg, reg, prober, ctrl.Resolve, log)
	return &runtime{cfg: cfg, log: log, ctrl: ctrl, agg: agg}, nil
}

func buildRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:           "fleet",
		Short:         "Hardware-aware service fleet orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", envStr("FLEET_CONFIG", ""), "Config file (.yaml/.toml/.json)")
	pf.StringVar(&opts.profilePath, "profile", envStr("FLEET_PROFILE", ""), "Deployment profile override; skips hardware inspection")
	pf.StringVar(&opts.stateDir, "state-dir", envStr("FLEET_STATE_DIR", ""), "Directory for durable process records")
	pf.StringVar(&opts.logDir, "log-dir", envStr("FLEET_LOG_DIR", ""), "Directory for per-service log files")
	pf.StringVar(&opts.brokerURL, "broker-url", envStr("FLEET_BROKER_URL", ""), "Task-queue broker URL")
	pf.StringVar(&opts.datastore, "datastore", envStr("FLEET_DATASTORE", ""), "Datastore path checked for reachability")
	pf.StringVar(&opts.listenAddr, "listen", envStr("FLEET_LISTEN", ""), "Status server listen address (watch)")
	pf.StringVar(&opts.corsOrigins, "cors-origins", envStr("FLEET_CORS_ORIGINS", ""), "Comma-separated origins allowed to read the status server")
	pf.StringVar(&opts.logLevel, "log-level", envStr("FLEET_LOG_LEVEL", "info"), "Log level: debug|info|warn|error")

	root.AddCommand(upCmd(opts), downCmd(opts), statusCmd(opts), watchCmd(opts))
	return root
}

func upCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Inspect hardware, select a profile, and start the fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.setup()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := rt.ctrl.Up(ctx); err != nil {
				var derr fleet.DegradedError
				if fleet.IsDegraded(err) {
					derr = err.(fleet.DegradedError)
					if tail := fleet.LogTail(derr.LogPath, 4096); tail != "" {
						fmt.Fprintf(os.Stderr, "--- last output of %s (%s) ---\n%s", derr.Role, derr.LogPath, tail)
					}
				}
				return err
			}
			fmt.Println("fleet is up")
			return nil
		},
	}
}

func downCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Stop the fleet in reverse dependency order",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.setup()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := rt.ctrl.Down(ctx); err != nil {
				return err
			}
			fmt.Println("fleet is down")
			return nil
		},
	}
}

func statusCmd(opts *cliOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Probe every role once and print the aggregate fleet status",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.setup()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			st := rt.agg.Collect(ctx)
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(st); err != nil {
					return err
				}
			} else {
				printStatus(st)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print status as JSON")
	return cmd
}

func watchCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Serve fleet status over HTTP and re-probe on an interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.setup()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go rt.agg.Run(ctx)
			mux := httpapi.NewMux(rt.agg, httpapi.Options{
				State:       rt.ctrl.State,
				CORSOrigins: rt.cfg.CORSOrigins,
				Log:         rt.log,
			})
			return httpapi.Serve(ctx, rt.cfg.ListenAddr, mux, rt.log)
		},
	}
}
