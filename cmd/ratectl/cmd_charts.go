package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"ratedash/internal/chart"
)

func newChartsCmd(opts *options) *cobra.Command {
	var (
		outDir string
		png    bool
	)
	cmd := &cobra.Command{
		Use:   "charts",
		Short: "Render every chart of the table into a directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open()
			if err != nil {
				return err
			}
			format := chart.SVG
			if png {
				format = chart.PNG
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}

			ctx, cancel := opts.context(cmd)
			defer cancel()

			lt, _ := s.dashboard.Layout().Table(s.table)
			for _, c := range lt.Charts {
				data, err := s.dashboard.RenderChart(ctx, s.table, c.ID, s.query, format)
				if err != nil {
					return fmt.Errorf("chart %s: %w", c.ID, err)
				}
				path := filepath.Join(outDir, c.ID+"."+string(format))
				if err := os.WriteFile(path, data, 0o644); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "charts", "Directory to write charts into")
	cmd.Flags().BoolVar(&png, "png", false, "Render PNG instead of SVG")
	return cmd
}
