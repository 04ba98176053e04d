// Daqlink - equipment value pipeline
//
// Runs the quality checks, deadband filtering and alive supervision of the
// configured equipment and publishes the results to the configured sinks.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"daqlink/api"
	"daqlink/brokertest"
	"daqlink/config"
	"daqlink/engine"
	"daqlink/logging"
	"daqlink/metrics"
)

// Version is set at build time via -ldflags
var Version = "dev"

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	envPath     = flag.String("env", ".env", "Path to .env file with environment overrides")
	showVersion = flag.Bool("version", false, "Show version and exit")
	namespace   = flag.String("namespace", "", "Set namespace (saved to config)")
	httpPort    = flag.Int("p", 0, "REST API listen port (overrides config)")
	httpHost    = flag.String("host", "", "REST API bind address (overrides config)")
	noAPI       = flag.Bool("no-api", false, "Disable REST API (ephemeral)")
	restUser    = flag.String("rest-user", "", "Set REST API user (saves to config)")
	restPass    = flag.String("rest-pass", "", "Password for REST API user (saves to config)")
	logFile     = flag.String("log", "", "Path to log file (optional)")
	logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	logFilter   = flag.String("log-filter", "", "Comma separated components allowed to log debug output")
	logJSON     = flag.Bool("log-json", false, "Write logs as JSON")

	stressTest      = flag.Bool("stress-test", false, "Stress test the configured sinks and exit")
	stressDuration  = flag.Duration("stress-duration", 10*time.Second, "Duration of each sink stress test")
	stressTags      = flag.Int("stress-tags", 100, "Simulated tags per equipment for the stress test")
	stressEquipment = flag.Int("stress-equipment", 50, "Simulated equipment for the stress test")
	stressYes       = flag.Bool("y", false, "Do not ask for confirmation before the stress test")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("daqlink %s\n", Version)
		os.Exit(0)
	}

	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", *envPath, err)
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Handle --namespace flag: overwrite config and save
	if *namespace != "" {
		if !config.IsValidNamespace(*namespace) {
			fmt.Fprintf(os.Stderr, "Error: invalid namespace '%s' (use alphanumeric, hyphen, underscore, dot)\n", *namespace)
			os.Exit(1)
		}
		cfg.Namespace = *namespace
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Namespace set to '%s' and saved to config\n", *namespace)
	}

	// Create/update REST credentials if provided (persisted)
	if *restUser != "" && *restPass != "" {
		hash, err := api.HashPassword(*restPass)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error hashing password: %v\n", err)
			os.Exit(1)
		}
		cfg.REST.Username = *restUser
		cfg.REST.PasswordHash = hash
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("REST API user '%s' configured\n", *restUser)
	}

	// Override REST config from flags (in memory only)
	if *httpPort != 0 {
		cfg.REST.Port = *httpPort
	}
	if *httpHost != "" {
		cfg.REST.Host = *httpHost
	}
	if *noAPI {
		cfg.REST.Enabled = false
	}

	// Override logging config from flags (in memory only)
	if *logFile != "" {
		cfg.Log.File = *logFile
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFilter != "" {
		cfg.Log.Filter = *logFilter
	}
	if *logJSON {
		cfg.Log.JSON = true
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	if _, err := logging.Init(logging.Options{
		Level:  cfg.Log.Level,
		File:   cfg.Log.File,
		JSON:   cfg.Log.JSON,
		Filter: cfg.Log.Filter,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	if *stressTest {
		runStressTest(cfg)
		return
	}

	if err := run(cfg); err != nil {
		logging.For(logging.ComponentEngine).Errorf("%v", err)
		logging.Sync()
		os.Exit(1)
	}
}

// run starts the engine and the REST API and blocks until SIGINT or SIGTERM.
func run(cfg *config.Config) error {
	log := logging.For(logging.ComponentEngine)

	eng := engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: *configPath,
		Metrics:    metrics.New(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	log.Infof("daqlink %s started: %d equipment, sinks %v", Version, len(eng.EquipmentNames()), eng.SinkNames())

	var server *api.Server
	if cfg.REST.Enabled {
		server = api.NewServer(eng, &cfg.REST)
		if err := server.Start(); err != nil {
			log.Warnf("failed to start REST API on port %d: %v; continuing without it", cfg.REST.Port, err)
			server = nil
		} else {
			fmt.Printf("REST API at %s\n", server.Address())
		}
	}

	fmt.Println("Running. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	fmt.Printf("\nReceived %v, shutting down...\n", sig)

	// Graceful shutdown; buffered time deadband values are sent by Stop
	shutdownDone := make(chan struct{})
	go func() {
		if server != nil {
			if err := server.Stop(); err != nil {
				log.Warnf("stopping REST API: %v", err)
			}
		}
		eng.Stop()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(10 * time.Second):
		log.Warnf("shutdown timed out")
	}

	fmt.Println("Stopped")
	return nil
}

// runStressTest floods every enabled sink with simulated values and exits
// non-zero if any sink fails.
func runStressTest(cfg *config.Config) {
	backends, err := engine.BuildBackends(engine.DefaultRegistry(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building sinks: %v\n", err)
		os.Exit(1)
	}

	if !*stressYes && len(backends) > 0 {
		fmt.Println("The stress test publishes simulated values to these sinks:")
		for _, b := range backends {
			fmt.Printf("  - %s\n", b.Name())
		}
		fmt.Print("Continue? [y/N] ")
		response, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		response = strings.ToLower(strings.TrimSpace(response))
		if response != "y" && response != "yes" {
			fmt.Println("Aborted.")
			return
		}
	}

	testCfg := brokertest.DefaultTestConfig()
	testCfg.Duration = *stressDuration
	testCfg.NumTags = *stressTags
	testCfg.NumEquipment = *stressEquipment

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	results := brokertest.NewRunner(backends, testCfg, os.Stdout).Run(ctx)
	for _, result := range results {
		if !result.Success {
			logging.Sync()
			os.Exit(1)
		}
	}
}
