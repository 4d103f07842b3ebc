// Perchctl - classify customers from a reservations CSV without a server.
//
// Usage:
//
//	perchctl -csv reservations.csv [-rules rules.yaml] [-as-of 2024-03-15] <command>
//
// Commands:
//
//	tier ID      tier of one customer
//	tiers        every customer grouped by tier
//	monthly ID   visits per month for one customer
//	ranking      customers ranked by visit days
//	export       ranking written as CSV to -out (or stdout)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/opensource-finance/perch/internal/domain"
	"github.com/opensource-finance/perch/internal/loyalty"
	"github.com/opensource-finance/perch/internal/report"
	"github.com/opensource-finance/perch/internal/rules"
	"github.com/opensource-finance/perch/internal/velocity"
)

var errUsage = errors.New("usage")

// options are the parsed command line.
type options struct {
	csvPath      string
	rulesPath    string
	asOf         time.Time
	months       int
	windowMonths int
	raw          bool
	expression   bool
	outPath      string
	jsonOutput   bool
	verbose      bool
	command      string
	args         []string
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))

	svc, err := newService(opts)
	if err != nil {
		return err
	}
	if _, err := svc.ImportFile(context.Background(), opts.csvPath); err != nil {
		return err
	}

	switch opts.command {
	case "tier":
		return cmdTier(svc, opts, stdout)
	case "tiers":
		return cmdTiers(svc, opts, stdout)
	case "monthly":
		return cmdMonthly(svc, opts, stdout)
	case "ranking":
		return cmdRanking(svc, opts, stdout)
	case "export":
		return cmdExport(svc, opts, stdout)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", opts.command)
		return errUsage
	}
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("perchctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	csvPath := fs.String("csv", "", "Path to the reservations CSV file")
	rulesPath := fs.String("rules", "", "YAML rules file (default: 4 days Super VIP, 2 days VIP)")
	asOf := fs.String("as-of", "", "Classification date YYYY-MM-DD (default: today)")
	months := fs.Int("months", 0, "Months covered by monthly and ranking (default: window)")
	window := fs.Int("window", 3, "Classification window in months")
	raw := fs.Bool("raw", false, "Count every visit instead of distinct visit days")
	expression := fs.Bool("expression", false, "Use the expression strategy")
	outPath := fs.String("out", "", "Output file for export")
	jsonOutput := fs.Bool("json", false, "Print JSON instead of a table")
	verbose := fs.Bool("verbose", false, "Log skipped rows and progress")

	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: perchctl -csv FILE [flags] <tier ID|tiers|monthly ID|ranking|export>")
		fmt.Fprintln(stderr, "\nFlags:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, errUsage
	}
	if *csvPath == "" || fs.NArg() == 0 {
		fs.Usage()
		return nil, errUsage
	}

	opts := &options{
		csvPath:      *csvPath,
		rulesPath:    *rulesPath,
		asOf:         velocity.Today(),
		months:       *months,
		windowMonths: *window,
		raw:          *raw,
		expression:   *expression,
		outPath:      *outPath,
		jsonOutput:   *jsonOutput,
		verbose:      *verbose,
		command:      fs.Arg(0),
		args:         fs.Args()[1:],
	}
	if *asOf != "" {
		t, err := time.Parse("2006-01-02", *asOf)
		if err != nil {
			return nil, fmt.Errorf("invalid -as-of %q: want YYYY-MM-DD", *asOf)
		}
		opts.asOf = t
	}
	if opts.months == 0 {
		opts.months = opts.windowMonths
	}
	return opts, nil
}

func newService(opts *options) (*loyalty.Service, error) {
	settings := domain.ClassificationConfig{
		Strategy:     domain.StrategyWindow,
		WindowMonths: opts.windowMonths,
		UniquePerDay: !opts.raw,
	}
	if opts.expression {
		settings.Strategy = domain.StrategyExpression
	}

	if opts.rulesPath == "" {
		return loyalty.NewService(settings, nil)
	}

	f, err := rules.LoadFile(opts.rulesPath)
	if err != nil {
		return nil, err
	}
	ruleList := f.Rules
	if len(ruleList) == 0 {
		ruleList = rules.DefaultRules()
	}
	var svcOpts []loyalty.Option
	if len(f.Expressions) > 0 {
		svcOpts = append(svcOpts, loyalty.WithExpressions(f.Expressions))
	}
	return loyalty.NewService(settings, rules.NewRuleSet(ruleList), svcOpts...)
}

func customerArg(opts *options) (string, error) {
	if len(opts.args) != 1 {
		return "", fmt.Errorf("%s needs exactly one customer id", opts.command)
	}
	return opts.args[0], nil
}

func cmdTier(svc *loyalty.Service, opts *options, out io.Writer) error {
	id, err := customerArg(opts)
	if err != nil {
		return err
	}
	c, err := svc.Classify(id, opts.asOf)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return printJSON(out, c)
	}
	fmt.Fprintf(out, "%s (%s): %s as of %s\n", c.Name, c.CustomerID, c.TierLabel(), opts.asOf.Format("2006-01-02"))
	return nil
}

func cmdTiers(svc *loyalty.Service, opts *options, out io.Writer) error {
	run, err := svc.ClassifyAll(context.Background(), opts.asOf)
	if err != nil {
		return err
	}
	groups := rules.GroupByTier(run.Classifications)
	if opts.jsonOutput {
		return printJSON(out, groups)
	}

	for _, g := range groups {
		fmt.Fprintf(out, "%s (%d)\n", g.Label, len(g.Customers))
		for _, c := range g.Customers {
			fmt.Fprintf(out, "  %-12s %s\n", c.CustomerID, c.Name)
		}
	}
	return nil
}

func cmdMonthly(svc *loyalty.Service, opts *options, out io.Writer) error {
	id, err := customerArg(opts)
	if err != nil {
		return err
	}
	mv, err := svc.VisitsByMonth(id, opts.months, opts.asOf)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return printJSON(out, mv)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MONTH\tVISITS")
	for _, m := range mv {
		fmt.Fprintf(tw, "%s\t%d\n", m.Key(), m.Visits)
	}
	fmt.Fprintf(tw, "TOTAL\t%d\n", mv.Total())
	return tw.Flush()
}

func cmdRanking(svc *loyalty.Service, opts *options, out io.Writer) error {
	entries, err := svc.Ranking(opts.months, opts.asOf)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return printJSON(out, entries)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tID\tNAME\tVISITS")
	for i, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", i+1, e.Customer.ID, e.Customer.Name, e.Visits)
	}
	return tw.Flush()
}

func cmdExport(svc *loyalty.Service, opts *options, out io.Writer) error {
	entries, err := svc.Ranking(opts.months, opts.asOf)
	if err != nil {
		return err
	}
	if opts.outPath == "" {
		return report.WriteRankingCSV(out, entries)
	}
	if err := report.ExportRankingCSV(opts.outPath, entries); err != nil {
		return err
	}
	fmt.Fprintf(out, "exported %d customers to %s\n", len(entries), opts.outPath)
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
