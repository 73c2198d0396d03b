// Command ratectl renders the dashboard's tables, exports and charts from the
// command line, reading a workbook file or the seed data directory.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ratedash/internal/cli"
	"ratedash/internal/layout"
	applog "ratedash/internal/log"
	"ratedash/internal/services"
	"ratedash/internal/sheets/memory"
	"ratedash/internal/workbook"
)

// options holds the flags shared by every subcommand.
type options struct {
	file       string
	dataDir    string
	layoutFile string
	table      string
	filters    []string
	timeout    time.Duration
	verbose    bool
}

func main() {
	cli.LoadEnvFile()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "ratectl",
		Short: "Query logistics pricing and e-way bill data offline",
		Long: `ratectl applies the dashboard's filters to a workbook on disk and prints
summaries, writes PDF/XLSX exports or renders the configured charts.

Filters are column=value pairs. Repeat a pair to pick several values of a
multiselect; ranges take from..to with either side optional.

Example:
  ratectl summary --file rates.xlsx --filter Origin=Mumbai --filter Price=1000..
  ratectl export --format pdf --out pricing.pdf --filter Date=2024-01-01..2024-03-31`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			applog.SetDefault(applog.New(applog.Config{
				Level:     level,
				Component: applog.ComponentApp,
				Handler:   slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}),
			}))
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.file, "file", "f", "", "Workbook to read (.xlsx, .xls or .csv)")
	flags.StringVar(&opts.dataDir, "data-dir", envOr("DATA_DIR", "./data"), "Seed data directory used when --file is not set")
	flags.StringVar(&opts.layoutFile, "layout", os.Getenv("LAYOUT_FILE"), "Dashboard layout YAML (default: built-in)")
	flags.StringVarP(&opts.table, "table", "t", "", "Table to query (default: first table of the layout)")
	flags.StringArrayVar(&opts.filters, "filter", nil, "Filter as column=value, repeatable")
	flags.DurationVar(&opts.timeout, "timeout", time.Minute, "Operation timeout")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose logging")

	root.AddCommand(newSummaryCmd(opts), newExportCmd(opts), newChartsCmd(opts))
	return root
}

// session is a dashboard loaded for one invocation.
type session struct {
	dashboard *services.DashboardService
	table     string
	query     url.Values
}

// open loads the layout and the workbook and resolves the table and filters.
func (o *options) open() (*session, error) {
	var (
		l   *layout.Layout
		err error
	)
	if o.layoutFile != "" {
		l, err = layout.Load(o.layoutFile)
	} else {
		l, err = layout.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("load layout: %w", err)
	}

	parser := workbook.NewParser(workbook.Targets(l), 0)
	var store *memory.Store
	if o.file != "" {
		wb, err := parser.ParseFile(o.file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", o.file, err)
		}
		store = memory.New(wb)
	} else {
		wb, err := parser.ParseDir(o.dataDir)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", o.dataDir, err)
		}
		store = memory.New(wb)
	}

	name := o.table
	if name == "" {
		name = l.TableNames()[0]
	}
	lt, ok := l.Table(name)
	if !ok {
		return nil, fmt.Errorf("unknown table %q (have %v)", name, l.TableNames())
	}
	q, err := services.QueryFromArgs(lt, o.filters)
	if err != nil {
		return nil, err
	}

	return &session{
		dashboard: services.NewDashboardService(store, l, services.Options{}),
		table:     lt.Name,
		query:     q,
	}, nil
}

func (o *options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

// create opens path for writing, or returns w when path is "-".
func create(path string, w io.Writer) (io.WriteCloser, error) {
	if path == "-" {
		return nopCloser{w}, nil
	}
	return os.Create(path)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
