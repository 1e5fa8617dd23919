package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds all CLI flags
type AppOptions struct {
	ConfigFile string
	Root       string
	Subject    string
	SettingsID string
	CSV        string
	Workers    int
	Sweep      bool
	HttpMode   bool
	HttpPort   int
	MqttMode   bool
	TraceFile  string
	DryRun     bool
}

// Runner is the part of App driven by the command line.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunBatch() error
	RunSweep() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatal(err)
	}
}

// run parses args, configures app and dispatches to the selected mode.
func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("batchfit", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "batchfit.yaml", "Path to configuration file")
	fs.StringVar(&opts.Root, "root", "", "Directory of subject directories (overrides config root)")
	fs.StringVar(&opts.Subject, "subject", "", "Fit only this subject")
	fs.StringVar(&opts.SettingsID, "settings-id", "", "Fit settings id (overrides config fitSettingsId)")
	fs.StringVar(&opts.CSV, "csv", "", "RMS table path or URL (overrides config output.csv)")
	fs.IntVar(&opts.Workers, "workers", 0, "Parallel fits (0 = config value or one per CPU)")
	fs.BoolVar(&opts.Sweep, "sweep", false, "Fit config sweep.inputs over sweep.params instead of subjects")
	fs.BoolVar(&opts.HttpMode, "http", false, "Serve RMS reports over HTTP and keep running after the batch")
	fs.IntVar(&opts.HttpPort, "http-port", 0, "HTTP server port (0 = config value, default 8080)")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Publish results and progress to the MQTT broker")
	fs.StringVar(&opts.TraceFile, "trace-file", "", "Write OpenTelemetry spans to this file")
	fs.BoolVar(&opts.DryRun, "dry-run", false, "Use the built-in mock fitter instead of engine.command")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "batchfit version: %s\n", Version)
	app.ApplyOptions(opts)

	if opts.Sweep {
		return app.RunSweep()
	}
	return app.RunBatch()
}
