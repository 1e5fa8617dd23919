package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kwv/batchfit/batch"
	"github.com/kwv/batchfit/fit"
	"github.com/kwv/batchfit/tracing"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *batch.Config
	Tracker    *batch.ResultTracker
	Progress   *batch.Progress
	Publisher  *batch.Publisher
	MQTTClient mqtt.Client // preset by tests; otherwise connected in -mqtt mode
	RunID      string

	// Factory overrides the engine chosen from config when set.
	Factory fit.EngineFactory

	// CLI Flags (effectively dependencies)
	ConfigFile string
	Root       string
	Subject    string
	SettingsID string
	CSV        string
	Workers    int
	HttpPort   int
	HttpMode   bool
	MqttMode   bool
	TraceFile  string
	DryRun     bool
}

// NewApp creates a new App instance
func NewApp() *App {
	runID := uuid.New().String()
	return &App{
		RunID:    runID,
		Tracker:  batch.NewResultTracker(),
		Progress: batch.NewProgress(runID),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.Root = opts.Root
	a.Subject = opts.Subject
	a.SettingsID = opts.SettingsID
	a.CSV = opts.CSV
	a.Workers = opts.Workers
	a.HttpPort = opts.HttpPort
	a.HttpMode = opts.HttpMode
	a.MqttMode = opts.MqttMode
	a.TraceFile = opts.TraceFile
	a.DryRun = opts.DryRun
}

// loadConfig reads the config file and applies flag overrides.
func (a *App) loadConfig() error {
	config, err := batch.ReadConfig(a.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w (looked at %s)", err, a.ConfigFile)
	}
	if a.Root != "" {
		config.Root = a.Root
	}
	if a.SettingsID != "" {
		config.FitSettingsID = a.SettingsID
	}
	if a.CSV != "" {
		config.Output.CSV = a.CSV
	}
	if a.Workers > 0 {
		config.Workers = a.Workers
	}
	if a.HttpPort > 0 {
		config.HTTP.Port = a.HttpPort
	}
	if err := config.Validate(); err != nil {
		return err
	}
	a.Config = config
	log.Printf("Loaded config from %s", a.ConfigFile)
	return nil
}

// RunBatch fits every subject under the configured root.
func (a *App) RunBatch() error {
	return a.runMode(func(ctx context.Context, d *batch.Driver) ([]batch.SubjectResult, error) {
		if a.Config.Root == "" {
			return nil, fmt.Errorf("root is required for batch mode (set root in config or use -root)")
		}
		subjects, err := batch.DiscoverSubjects(a.Config.Root)
		if err != nil {
			return nil, err
		}
		if a.Subject != "" {
			subjects = batch.FilterSubjects(subjects, a.Subject)
		}
		if len(subjects) == 0 {
			return nil, fmt.Errorf("no subjects with %s files under %s", batch.DataFileExt, a.Config.Root)
		}
		return d.Run(ctx, subjects)
	})
}

// RunSweep fits the configured model/data pairs over the parameter sweep.
func (a *App) RunSweep() error {
	return a.runMode(func(ctx context.Context, d *batch.Driver) ([]batch.SubjectResult, error) {
		if len(a.Config.Sweep.Inputs) == 0 {
			return nil, fmt.Errorf("sweep.inputs is required for sweep mode")
		}
		return d.Sweep(ctx, a.Config.Sweep.Inputs, a.Config.Sweep.Params)
	})
}

func (a *App) runMode(fn func(context.Context, *batch.Driver) ([]batch.SubjectResult, error)) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.loadConfig(); err != nil {
		return err
	}

	if a.TraceFile != "" {
		if err := tracing.Init("batchfit", Version, a.TraceFile); err != nil {
			return fmt.Errorf("initializing tracing: %w", err)
		}
		defer func() {
			if err := tracing.Shutdown(context.Background()); err != nil {
				log.Printf("Error flushing traces: %v", err)
			}
		}()
	}

	if a.MqttMode {
		if err := a.initMQTT(); err != nil {
			return err
		}
		defer a.MQTTClient.Disconnect(250)
	}

	var server *http.Server
	if a.HttpMode {
		server = a.startHTTP()
		defer shutdownHTTP(server)
	}

	factory := a.Factory
	if factory == nil {
		var err error
		factory, err = batch.NewEngineFactory(a.Config.Engine, a.DryRun)
		if err != nil {
			return err
		}
	}

	opts := []batch.DriverOption{
		batch.WithRunID(a.RunID),
		batch.WithTracker(a.Tracker),
		batch.WithProgress(a.Progress),
	}
	if a.Publisher != nil {
		opts = append(opts, batch.WithPublisher(a.Publisher))
	}
	driver := batch.NewDriver(a.Config, factory, opts...)

	results, err := fn(ctx, driver)
	a.printSummary(results)
	if err != nil {
		return err
	}

	if a.HttpMode && ctx.Err() == nil {
		fmt.Println("\nPress Ctrl+C to stop")
		<-ctx.Done()
		fmt.Println("\nShutting down...")
	}
	return nil
}

func (a *App) initMQTT() error {
	if a.MQTTClient == nil {
		client, err := batch.ConnectMQTT(a.Config.MQTT)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		if client == nil {
			return fmt.Errorf("MQTT broker not configured (set mqtt.broker or MQTT_BROKER)")
		}
		a.MQTTClient = client
	}
	a.Publisher = batch.NewPublisher(a.MQTTClient, a.Config.MQTT.PublishPrefix, a.RunID)
	fmt.Printf("MQTT publishing to %s/{subject} and %s/progress\n", a.Publisher.Prefix(), a.Publisher.Prefix())
	return nil
}

func (a *App) startHTTP() *http.Server {
	server := &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", a.Config.HTTP.Port),
		Handler: newHTTPServer(a.Tracker, a.Progress, a.RunID),
	}
	go func() {
		log.Printf("[HTTP] Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[HTTP] Server error: %v", err)
		}
	}()

	fmt.Printf("\nHTTP endpoints (port %d):\n", a.Config.HTTP.Port)
	fmt.Println("  GET /health                   - Health check")
	fmt.Println("  GET /progress                 - Run counters")
	fmt.Println("  GET /rms.json                 - Results per subject")
	fmt.Println("  GET /rms.csv                  - RMS table")
	fmt.Println("  GET /subjects/{id}/rms.svg    - RMS bar chart (also rms.png)")
	fmt.Println("  GET /subjects/{id}/preview.svg - XY preview of combined data")
	return server
}

func shutdownHTTP(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("[HTTP] Shutdown error: %v", err)
	}
}

func (a *App) printSummary(results []batch.SubjectResult) {
	if len(results) == 0 {
		return
	}
	ok, partial, failed := 0, 0, 0
	for _, r := range results {
		switch {
		case r.Err() == nil:
			ok++
		case r.Partial:
			partial++
		default:
			failed++
		}
	}
	fmt.Printf("\nRun %s: %d fitted, %d partial, %d failed\n", a.RunID, ok, partial, failed)
	for _, r := range results {
		if r.Err() != nil {
			fmt.Printf("  %-24s FAILED: %s\n", r.Subject, r.Error)
			continue
		}
		fmt.Printf("  %-24s total RMS %.4f  max error %.4f\n", r.Subject, r.Report.TotalRMS, r.Report.MaxProjectionError)
	}
	if a.Config != nil {
		fmt.Printf("RMS table: %s\n", a.Config.CSVPath())
	}
}
