// Command fhirquery-demo maps one query from the command line and prints the
// FHIR search it becomes, what was detected and the resulting bundle.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ai-on-fhir/fhirquery/config"
	"github.com/ai-on-fhir/fhirquery/dashboard"
	"github.com/ai-on-fhir/fhirquery/data"
	"github.com/ai-on-fhir/fhirquery/fhir"
	"github.com/ai-on-fhir/fhirquery/logging"
	"github.com/ai-on-fhir/fhirquery/querymapper"
	"github.com/ai-on-fhir/fhirquery/terminology"
	"github.com/goccy/go-json"
)

type options struct {
	sim       bool
	fhirBase  string
	dashboard bool
	timeout   time.Duration
}

func main() {
	config.LoadDotEnv()

	defaultBase := os.Getenv("FHIR_BASE")
	if defaultBase == "" {
		defaultBase = config.DefaultFHIRBase
	}

	var opts options
	flag.BoolVar(&opts.sim, "sim", os.Getenv("FHIR_MODE") == config.FHIRModeSim, "Search the built-in simulated patients instead of a live server")
	flag.StringVar(&opts.fhirBase, "fhir-base", defaultBase, "FHIR R4 base URL")
	flag.BoolVar(&opts.dashboard, "dashboard", false, "Also print the dashboard summary")
	flag.DurationVar(&opts.timeout, "timeout", 15*time.Second, "FHIR request timeout")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] \"query\"\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logging.InitLogger(logging.Options{Env: config.EnvProduction, Level: "error"})

	if err := run(os.Stdout, strings.Join(flag.Args(), " "), opts, time.Now()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// run prints the demo sections to out. A failed search is reported in the
// output, not returned; only setup failures are errors.
func run(out io.Writer, query string, opts options, now time.Time) error {
	m, err := terminology.Default()
	if err != nil {
		return err
	}
	idx, err := terminology.BuildIndex(m)
	if err != nil {
		return err
	}
	store := data.NewDataContainer()
	store.UpdateTerminology(idx, terminology.SourceEmbedded, nil)

	var searcher fhir.PatientSearcher
	if opts.sim {
		sim, err := fhir.NewSimulator()
		if err != nil {
			return err
		}
		searcher = sim
	} else {
		searcher = fhir.NewClient(opts.fhirBase, opts.timeout, 0)
	}

	mapping := querymapper.New(store).Map(query, now)

	fmt.Fprintln(out, "=== Input ===")
	fmt.Fprintln(out, query)
	fmt.Fprintln(out, "\n=== Simulated FHIR Request ===")
	fmt.Fprintln(out, mapping.SimulatedURL)
	fmt.Fprintln(out, "\n=== Detected ===")
	if err := printJSON(out, mapping.Detected); err != nil {
		return err
	}

	label := "Live FHIR Results (Bundle)"
	if opts.sim {
		label = "Simulated FHIR Results (Bundle)"
	}
	fmt.Fprintf(out, "\n=== %s ===\n", label)

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	bundle, err := searcher.SearchPatients(ctx, mapping.SearchParams)
	if err != nil {
		fmt.Fprintln(out, "Failed to fetch FHIR results:", err)
		fmt.Fprintln(out, "If you see a network error, verify internet access and the FHIR_BASE env var (or use -sim).")
		return nil
	}
	if err := printJSON(out, bundle); err != nil {
		return err
	}

	if opts.dashboard {
		fmt.Fprintln(out, "\n=== Dashboard ===")
		view := dashboard.BuildView(mapping, bundle, searcher.Mode(), now, dashboard.DefaultRowLimit)
		if err := printJSON(out, view); err != nil {
			return err
		}
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}
