package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"

	"github.com/spf13/cobra"

	applog "ratedash/internal/log"
)

func newExportCmd(opts *options) *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the filtered rows as a PDF report or an XLSX workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var write func(ctx context.Context, table string, q url.Values, w io.Writer) error
			s, err := opts.open()
			if err != nil {
				return err
			}
			switch format {
			case "pdf":
				write = s.dashboard.ExportPDF
			case "xlsx":
				write = s.dashboard.ExportXLSX
			default:
				return fmt.Errorf("unsupported format %q (want pdf or xlsx)", format)
			}
			if out == "" {
				out = s.table + "." + format
			}

			ctx, cancel := opts.context(cmd)
			defer cancel()

			f, err := create(out, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if err := write(ctx, s.table, s.query, f); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			slog.Info("Export written", applog.FieldTable, s.table, applog.FieldFormat, format, "path", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "xlsx", "Export format: pdf or xlsx")
	cmd.Flags().StringVarP(&out, "out", "o", "", `Output path, "-" for stdout (default: <table>.<format>)`)
	return cmd
}
