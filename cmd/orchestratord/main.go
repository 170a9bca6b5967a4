// Command orchestratord serves the image-generation backend pool over HTTP:
// intake picks a backend via GetNextBackend, admins manage the registry
// through the /backends surface, and the process reports readiness to
// systemd once its registry has loaded.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"genpool/internal/common/fsutil"
	"genpool/internal/config"
	"genpool/internal/drivers/llamacpp"
	"genpool/internal/drivers/remote"
	"genpool/internal/drivers/subprocess"
	"genpool/internal/httpapi"
	"genpool/internal/orchestrator"
	"genpool/internal/scheduler"
)

// cliConfig holds the flag/env overrides layered on top of config.Config by
// loadConfig. Empty strings mean "not set on the command line".
type cliConfig struct {
	configFile     string
	addr           string
	registryFile   string
	subprocessHost string
	logLevel       string
}

func main() {
	cli := &cliConfig{}
	root := &cobra.Command{
		Use:           "orchestratord",
		Short:         "Serves the image-generation backend pool over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cli.configFile, "config", envStr("GENPOOL_CONFIG", ""), "path to a TOML/YAML/JSON config file")
	root.PersistentFlags().StringVar(&cli.addr, "addr", envStr("GENPOOL_ADDR", ""), "HTTP listen address, e.g. :8080")
	root.PersistentFlags().StringVar(&cli.registryFile, "registry-file", envStr("GENPOOL_REGISTRY_FILE", ""), "path to the backend registry persistence file")
	root.PersistentFlags().StringVar(&cli.subprocessHost, "subprocess-host", envStr("GENPOOL_SUBPROCESS_HOST", ""), "host subprocess-backed workers bind to")
	root.PersistentFlags().StringVar(&cli.logLevel, "log-level", envStr("GENPOOL_LOG_LEVEL", ""), "log level: debug|info|warn|error")

	root.AddCommand(newServeCmd(cli))
	root.AddCommand(newBackendsCmd(cli))
	root.AddCommand(newReloadCmd(cli))
	root.AddCommand(newCompletionCmd(root))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// loadConfig merges a config file (if given) with CLI/env overrides, then
// fills in the daemon's defaults.
func loadConfig(cli *cliConfig) (config.Config, error) {
	var cfg config.Config
	if cli.configFile != "" {
		loaded, err := config.Load(cli.configFile)
		if err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if cli.addr != "" {
		cfg.Addr = cli.addr
	}
	if cli.registryFile != "" {
		cfg.RegistryFile = cli.registryFile
	}
	if cli.subprocessHost != "" {
		cfg.SubprocessHost = cli.subprocessHost
	}
	if cli.logLevel != "" {
		cfg.LogLevel = cli.logLevel
	}
	cfg = cfg.WithDefaults()

	expanded, err := fsutil.ExpandHome(cfg.RegistryFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("expand registry file path: %w", err)
	}
	cfg.RegistryFile = expanded
	return cfg, nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func newServeCmd(cli *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cli)
		},
	}
}

func runServe(cli *cliConfig) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel)

	o := orchestrator.New(log, orchestrator.Config{
		Scheduler: scheduler.Config{
			MaxTimeout:                 time.Duration(cfg.MaxTimeoutMinutes) * time.Minute,
			FailIndividualOnStagnation: cfg.FailIndividualOnStagnation,
		},
		PerRequestTimeout: time.Duration(cfg.PerRequestTimeoutMinutes) * time.Minute,
		MaxInitAttempts:   cfg.MaxBackendInitAttempts,
	})

	pm := subprocess.NewPortManager(cfg.SubprocessHost)
	o.RegisterType(llamacpp.NewType())
	o.RegisterType(subprocess.NewType(pm))
	o.RegisterType(remote.NewType())

	if err := o.Load(cfg.RegistryFile); err != nil {
		log.Warn().Err(err).Str("file", cfg.RegistryFile).Msg("starting with an empty backend registry")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	httpapi.SetBaseContext(ctx)
	httpapi.SetLogger(log)

	o.StartWorker(ctx)
	go o.Run(ctx)

	srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.NewMux(o)}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("registry_file", cfg.RegistryFile).Msg("orchestratord listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("sd_notify failed")
	} else if ok {
		log.Debug().Msg("sd_notify(READY=1) delivered")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("server error")
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	o.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}

// adminBaseURL resolves the daemon's listen address into a URL the admin
// subcommands can dial. A bare ":8080"-style addr is assumed to be a local
// daemon.
func adminBaseURL(cli *cliConfig) (string, error) {
	cfg, err := loadConfig(cli)
	if err != nil {
		return "", err
	}
	addr := cfg.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr, nil
}

func adminRequest(ctx context.Context, method, url string, body io.Reader) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return out, resp.StatusCode, nil
}

func newBackendsCmd(cli *cliConfig) *cobra.Command {
	backendsCmd := &cobra.Command{
		Use:   "backends",
		Short: "Inspect and manage the running daemon's backend registry",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List every registered backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := adminBaseURL(cli)
			if err != nil {
				return err
			}
			body, status, err := adminRequest(cmd.Context(), http.MethodGet, base+"/backends", nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("backends list: unexpected status %d: %s", status, body)
			}
			return printJSON(body)
		},
	}

	var addType, addTitle, addSettings string
	var addEnabled bool
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new backend",
		Example: "  orchestratord backends add --type subprocess --title gpu-0 --settings '{\"binary\":\"llama-server\"}' --enabled",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addType == "" {
				return fmt.Errorf("--type is required")
			}
			base, err := adminBaseURL(cli)
			if err != nil {
				return err
			}
			payload := map[string]any{
				"type":     addType,
				"title":    addTitle,
				"settings": json.RawMessage(addSettings),
				"enabled":  addEnabled,
			}
			buf, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			body, status, err := adminRequest(cmd.Context(), http.MethodPost, base+"/backends/", bytes.NewReader(buf))
			if err != nil {
				return err
			}
			if status != http.StatusCreated {
				return fmt.Errorf("backends add: unexpected status %d: %s", status, body)
			}
			return printJSON(body)
		},
	}
	addCmd.Flags().StringVar(&addType, "type", "", "backend type id, e.g. llamacpp|subprocess|remote")
	addCmd.Flags().StringVar(&addTitle, "title", "", "operator-facing title")
	addCmd.Flags().StringVar(&addSettings, "settings", "{}", "settings, as a JSON object")
	addCmd.Flags().BoolVar(&addEnabled, "enabled", false, "enable the backend immediately")

	removeCmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete a backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("invalid backend id %q: %w", args[0], err)
			}
			base, err := adminBaseURL(cli)
			if err != nil {
				return err
			}
			body, status, err := adminRequest(cmd.Context(), http.MethodDelete, base+"/backends/"+args[0], nil)
			if err != nil {
				return err
			}
			if status != http.StatusNoContent {
				return fmt.Errorf("backends remove: unexpected status %d: %s", status, body)
			}
			fmt.Println("removed")
			return nil
		},
	}

	backendsCmd.AddCommand(listCmd, addCmd, removeCmd)
	return backendsCmd
}

func newReloadCmd(cli *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the daemon to re-initialize every backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := adminBaseURL(cli)
			if err != nil {
				return err
			}
			body, status, err := adminRequest(cmd.Context(), http.MethodPost, base+"/reload", nil)
			if err != nil {
				return err
			}
			if status != http.StatusAccepted {
				return fmt.Errorf("reload: unexpected status %d: %s", status, body)
			}
			fmt.Println("reload accepted")
			return nil
		},
	}
}

func newCompletionCmd(root *cobra.Command) *cobra.Command {
	completionCmd := &cobra.Command{Use: "completion", Short: "Generate the autocompletion script for the specified shell"}
	completionCmd.AddCommand(&cobra.Command{Use: "bash", Short: "Bash completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenBashCompletion(os.Stdout) }})
	completionCmd.AddCommand(&cobra.Command{Use: "zsh", Short: "Zsh completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenZshCompletion(os.Stdout) }})
	completionCmd.AddCommand(&cobra.Command{Use: "fish", Short: "Fish completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenFishCompletion(os.Stdout, true) }})
	completionCmd.AddCommand(&cobra.Command{Use: "powershell", Short: "PowerShell completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenPowerShellCompletionWithDesc(os.Stdout) }})
	return completionCmd
}

func printJSON(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		_, err := os.Stdout.Write(raw)
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
