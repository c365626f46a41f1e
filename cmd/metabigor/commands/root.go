package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"metabigor/internal/browser"
	"metabigor/internal/credstore"
	"metabigor/internal/runner"
	"metabigor/internal/store"
	"metabigor/internal/transport"
	"metabigor/lib/configutil"
	"metabigor/lib/restyutil"
	"metabigor/lib/telemetry"

	"github.com/spf13/cobra"
)

var flags struct {
	settings    string
	credentials string
	outDir      string
	output      string
	rawDir      string
	storeRaw    bool
	proxy       string
	debug       bool
	db          string
	browser     bool
	verifyTLS   bool
	maxPages    int
	dumpHTTP    string
}

// env is what every command runs with, built once before the command.
var env struct {
	settings Settings
	tel      telemetry.API
	creds    *credstore.Store
	client   *transport.Client
	renderer *browser.Renderer
	index    *store.Index
	shutdown func(context.Context) error
}

var rootCmd = &cobra.Command{
	Use:   "metabigor",
	Short: "metabigor queries host and exploit search engines without an API key.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := setup(cmd.Context()); err != nil {
			fatal("setup failed", err)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		teardown()
	},
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.settings, "settings", "metabigor.json5", "Run settings file, metabigor.local.json5 overrides it.")
	pf.StringVar(&flags.credentials, "config", "", "Credential and session store (default from settings, config.conf).")
	pf.StringVarP(&flags.outDir, "outdir", "d", "", "Output directory.")
	pf.StringVarP(&flags.output, "output", "o", "", "Base name of the output files (default from the query).")
	pf.StringVar(&flags.rawDir, "raw", "", "Directory for the raw responses.")
	pf.BoolVar(&flags.storeRaw, "store-content", false, "Keep every raw response under --raw.")
	pf.StringVar(&flags.proxy, "proxy", "", "Proxy url, e.g. socks5://127.0.0.1:9050.")
	pf.BoolVar(&flags.debug, "debug", false, "Print debug output.")
	pf.StringVar(&flags.db, "db", "", "Also index every result in this SQLite database.")
	pf.BoolVar(&flags.browser, "browser", false, "Fall back to headless Chrome when plain HTTP fails.")
	pf.BoolVar(&flags.verifyTLS, "verify-tls", false, "Verify the certificates of the queried sites.")
	pf.StringVar(&flags.dumpHTTP, "dump-http", "", "Write every request and response in full to this directory.")
	pf.IntVar(&flags.maxPages, "max-pages", 0, "Stop after this many pages per query, 0 for no cap.")
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var exit = os.Exit

// fatal releases whatever setup got to open before exiting.
func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	teardown()
	exit(1)
}

func setup(ctx context.Context) error {
	telemetry.InitSlog(flags.debug)
	env.tel = telemetry.SlogAPI{}

	settings, err := configutil.ReadWithDefaults(flags.settings, defaultSettings)
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	if flags.credentials != "" {
		settings.Credentials = flags.credentials
	}
	if flags.outDir != "" {
		settings.OutDir = flags.outDir
	}
	if flags.rawDir != "" {
		settings.RawDir = flags.rawDir
	}
	if flags.proxy != "" {
		settings.Proxy = flags.proxy
	}
	if flags.maxPages > 0 {
		settings.MaxPages = flags.maxPages
	}
	if flags.browser {
		settings.Browser.Enabled = true
	}
	if flags.verifyTLS {
		settings.VerifyTLS = true
	}
	env.settings = settings

	env.shutdown, err = telemetry.Setup(ctx, "metabigor", settings.Telemetry)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}

	env.creds, err = credstore.Open(settings.Credentials)
	if err != nil {
		return err
	}

	var renderer transport.Renderer
	if settings.Browser.Enabled {
		env.renderer = browser.NewRenderer(settings.browser(), env.tel)
		renderer = env.renderer
	}
	opts := settings.transport(renderer)
	if flags.dumpHTTP != "" {
		dump, err := restyutil.NewDirOutput(flags.dumpHTTP)
		if err != nil {
			return fmt.Errorf("create http dump directory: %w", err)
		}
		opts.Dump = dump
	}
	env.client, err = transport.New(opts, env.tel)
	if err != nil {
		return fmt.Errorf("create http client: %w", err)
	}

	if flags.db != "" {
		env.index, err = store.Open(ctx, flags.db)
		if err != nil {
			return fmt.Errorf("open result index: %w", err)
		}
	}
	return nil
}

func teardown() {
	if env.renderer != nil {
		env.renderer.Close()
		env.renderer = nil
	}
	if env.index != nil {
		env.index.Close()
		env.index = nil
	}
	if env.shutdown != nil {
		env.shutdown(context.Background())
		env.shutdown = nil
	}
}

// newRunner builds the runner with the shared flags and the per command
// switches already applied to opts.
func newRunner(opts runner.Options) *runner.Runner {
	opts.OutDir = env.settings.OutDir
	opts.Output = flags.output
	opts.RawDir = env.settings.RawDir
	opts.StoreRaw = flags.storeRaw
	opts.MaxPages = env.settings.MaxPages
	opts.Endpoints = env.settings.Endpoints
	opts.ExploitEndpoints = env.settings.ExploitEndpoints

	extra := []runner.Option{}
	if env.index != nil {
		extra = append(extra, runner.WithIndex(env.index))
	}
	return runner.New(opts, env.client, env.creds, env.tel, extra...)
}
