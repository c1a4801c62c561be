package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/eessi/ingestion-controlplane/pkg/config"
	"github.com/eessi/ingestion-controlplane/pkg/ghpr"
	"github.com/eessi/ingestion-controlplane/pkg/gitstate"
	"github.com/eessi/ingestion-controlplane/pkg/ingest"
	"github.com/eessi/ingestion-controlplane/pkg/lockfile"
	"github.com/eessi/ingestion-controlplane/pkg/logger"
	"github.com/eessi/ingestion-controlplane/pkg/notify"
	"github.com/eessi/ingestion-controlplane/pkg/objectstore"
	"github.com/eessi/ingestion-controlplane/pkg/scheduler"
	"github.com/eessi/ingestion-controlplane/pkg/state"
	"github.com/eessi/ingestion-controlplane/pkg/verify"
)

var (
	// ConfigPath points at the INI file pkg/config.Load reads.
	ConfigPath string
	// Debug raises the console log level to debug regardless of --console-level.
	Debug bool
	// ListOnly short-circuits the run after printing the configured buckets.
	ListOnly bool
	// LogFile is the path the file-level log handler writes to; empty disables it.
	LogFile string
	// ConsoleLevel and FileLevel parse as slog level names (debug, info, warn, error).
	ConsoleLevel string
	FileLevel    string
	// Quiet suppresses the console handler entirely; the file handler, if
	// configured, still receives every record.
	Quiet bool
	// LogScopes is a comma-separated subset of pkg/logger's named scopes; empty
	// means every scope is enabled.
	LogScopes string
	// LockPath is where the singleton-run guard's PID file lives.
	LockPath string
)

// exit codes distinguish "another run holds the lock" from an ordinary
// fatal error so wrapper scripts can tell the two apart without scraping
// log output.
const (
	exitOK       = 0
	exitFatal    = 1
	exitLockBusy = 2
)

// errLockBusy wraps a failed lockfile.Acquire so main can pick exitLockBusy
// without errkind needing to know about a package it otherwise has no
// reason to import.
var errLockBusy = errors.New("another ingestion run holds the lock")

func main() {
	app := cli.NewApp()
	app.Name = "ingestion-controlplane"
	app.Version = "0.1.0"
	app.Usage = "poll staging buckets, verify signed tarballs, and drive them through review into the content distribution filesystem"

	configFlag := cli.StringFlag{
		Name:        "config, c",
		Usage:       "path to the INI configuration file, e.g. --config /etc/ingestion-controlplane/config.ini",
		EnvVar:      "INGESTION_CONFIG",
		TakesFile:   true,
		Required:    true,
		Destination: &ConfigPath,
	}
	debugFlag := cli.BoolFlag{
		Name:        "debug, d",
		Usage:       "force the console log level to debug",
		EnvVar:      "INGESTION_DEBUG",
		Destination: &Debug,
	}
	listFlag := cli.BoolFlag{
		Name:        "list, l",
		Usage:       "print the buckets this config would poll and exit without touching any of them",
		Destination: &ListOnly,
	}
	logFileFlag := cli.StringFlag{
		Name:        "log-file",
		Usage:       "file to additionally write log records to, independent of the console level",
		EnvVar:      "INGESTION_LOG_FILE",
		Destination: &LogFile,
	}
	consoleLevelFlag := cli.StringFlag{
		Name:        "console-level",
		Usage:       "minimum level printed to the console (debug, info, warn, error)",
		Destination: &ConsoleLevel,
	}
	fileLevelFlag := cli.StringFlag{
		Name:        "file-level",
		Usage:       "minimum level written to --log-file (debug, info, warn, error)",
		Destination: &FileLevel,
	}
	quietFlag := cli.BoolFlag{
		Name:        "quiet, q",
		Usage:       "suppress console logging; has no effect on --log-file",
		Destination: &Quiet,
	}
	logScopesFlag := cli.StringFlag{
		Name:        "log-scopes",
		Usage:       "comma-separated subset of log scopes to enable (download,task_ops,github,verify,ingest,error); empty enables all",
		Destination: &LogScopes,
	}
	lockFlag := cli.StringFlag{
		Name:        "lock-file",
		Usage:       "path to the singleton-run guard's PID file",
		Value:       "/var/run/ingestion-controlplane.lock",
		Destination: &LockPath,
	}

	app.Flags = []cli.Flag{
		configFlag, debugFlag, listFlag, logFileFlag,
		consoleLevelFlag, fileLevelFlag, quietFlag, logScopesFlag, lockFlag,
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errLockBusy) {
			os.Exit(exitLockBusy)
		}
		os.Exit(exitFatal)
	}
	os.Exit(exitOK)
}

// run loads configuration, wires every component together, and drives one
// scheduler pass to completion. It is the urfave/cli Action for the app's
// only command: this control plane has no subcommands, only a single
// poll-and-act run shaped by flags.
func run(c *cli.Context) error {
	cfg, err := config.Load(ConfigPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	if err := setupLogging(cfg); err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = config.WithConfig(ctx, cfg)

	if ListOnly {
		for _, b := range scheduler.BucketsFromConfig(cfg) {
			fmt.Printf("%s -> %s\n", b.Name, b.CvmfsRepo)
		}
		return nil
	}

	lock, err := lockfile.Acquire(LockPath)
	if err != nil {
		return fmt.Errorf("%w: %v", errLockBusy, err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.LogScope(ctx, slog.LevelWarn, logger.ScopeError, "failed to release lock file", logger.Err(err))
		}
	}()

	deps, objClient, err := wireDeps(ctx, cfg)
	if err != nil {
		return fmt.Errorf("wiring components: %w", err)
	}

	buckets := scheduler.BucketsFromConfig(cfg)
	if err := scheduler.Run(ctx, objClient, buckets, cfg.Paths.MetadataFileExtension, deps); err != nil {
		return fmt.Errorf("scheduler run: %w", err)
	}
	return nil
}

// setupLogging installs the console+file fan-out handler described by the
// CLI flags and the [logging] config section, flags taking precedence over
// config defaults the way --debug overrides --console-level.
func setupLogging(cfg *config.Config) error {
	consoleLevel := ConsoleLevel
	if consoleLevel == "" {
		consoleLevel = cfg.Logging.Level
	}
	fileLevel := FileLevel
	if fileLevel == "" {
		fileLevel = cfg.Logging.FileLevel
	}
	logFile := LogFile
	if logFile == "" {
		logFile = cfg.Logging.Filename
	}

	lvl, err := parseLevel(consoleLevel)
	if err != nil {
		return err
	}
	if Debug {
		lvl = slog.LevelDebug
	}
	fLvl, err := parseLevel(fileLevel)
	if err != nil {
		return err
	}
	scopes, err := logger.ParseScopes(LogScopes)
	if err != nil {
		return fmt.Errorf("parsing --log-scopes: %w", err)
	}

	_, err = logger.Setup(logger.Options{
		ConsoleLevel: lvl,
		FileLevel:    fLvl,
		FilePath:     logFile,
		Quiet:        Quiet,
		Scopes:       scopes,
	})
	return err
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}

// wireDeps builds every external client the state machine needs and
// assembles them into a state.Deps, returning the object store client
// separately since the scheduler also addresses it directly when listing
// buckets.
func wireDeps(ctx context.Context, cfg *config.Config) (*state.Deps, objectstore.Client, error) {
	gitStore, err := gitstate.Open(ctx, gitstate.Config{
		RepoURL:       fmt.Sprintf("https://github.com/%s", cfg.GitHub.StagingRepo),
		Token:         cfg.Secrets.GithubPAT,
		DefaultBranch: "main",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening staging repository: %w", err)
	}

	ghClient := ghpr.NewClient(ctx, cfg.Secrets.GithubPAT)
	prController, err := ghpr.New(ghClient, cfg.GitHub.StagingRepo)
	if err != nil {
		return nil, nil, fmt.Errorf("constructing github PR controller: %w", err)
	}

	insecure, caBundle := cfg.AWS.VerifyTLS()
	objClient, err := objectstore.New(ctx, objectstore.Options{
		AccessKeyID:     cfg.Secrets.AWSAccessKeyID,
		SecretAccessKey: cfg.Secrets.AWSSecretAccessKey,
		EndpointURL:     cfg.AWS.EndpointURL,
		Insecure:        !insecure,
		CABundlePath:    caBundle,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("constructing object store client: %w", err)
	}

	notifyClient := notify.New()

	deps := &state.Deps{
		Store:         gitStore,
		PR:            prController,
		Objects:       objClient,
		Ingest:        ingest.Run,
		Notify:        notifyClient.PostWebhook,
		VerifySig:     verify.Signature,
		VerifyCksum:   verify.Checksum,
		Cfg:           cfg,
		DefaultBranch: "main",
	}
	return deps, objClient, nil
}
