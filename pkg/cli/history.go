package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lajosnagyuk/devrt/pkg/storage"
	"github.com/lajosnagyuk/devrt/pkg/store"
)

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [module]",
		Short: "Show past provisioning runs",
		Long: `Show the provisioning ledger, newest first.

Examples:
  devrt history                # All modules
  devrt history default -n 5   # Last 5 runs of one module
  devrt history -o json`,

		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			printer := NewPrinter(cmd)
			if err := printer.Validate(); err != nil {
				return err
			}

			host, err := loadHost(cmd)
			if err != nil {
				return err
			}
			ledger, err := store.Open(host.StateDB)
			if err != nil {
				return err
			}
			defer ledger.Close()

			module := ""
			if len(args) == 1 {
				module = args[0]
			}
			runs, err := ledger.ListProvisions(cmd.Context(), module, limit)
			if err != nil {
				return fmt.Errorf("failed to read history: %w", err)
			}

			if printer.IsStructured() {
				return printer.PrintItem(map[string]any{"items": runs, "count": len(runs)}, nil)
			}

			var table [][]string
			for _, r := range runs {
				status := "ok"
				if !r.Succeeded() {
					status = "failed"
				} else if r.Reused {
					status = "reused"
				}
				table = append(table, []string{
					r.ID,
					r.Module,
					r.Trigger,
					status,
					r.Duration.Round(10 * time.Millisecond).String(),
					r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				})
			}
			printer.PrintTable([]string{"ID", "MODULE", "TRIGGER", "STATUS", "TOOK", "WHEN"}, table)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to show (0 = all)")
	return cmd
}

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs [name]",
		Short: "List or show installer logs",
		Long: `Without a name, list stored installer logs, newest first. With a name,
print that log. Archived logs are decompressed on the fly; logs of failed
runs are kept as plain text.

Examples:
  devrt logs
  devrt logs devrt-venv-default-1234.log`,

		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := loadHost(cmd)
			if err != nil {
				return err
			}
			archive := &storage.LogArchive{Dir: host.LogDir}

			if len(args) == 1 {
				path, err := archive.Resolve(args[0])
				if err != nil {
					return err
				}
				rc, err := archive.Open(path)
				if err != nil {
					return err
				}
				defer rc.Close()
				_, err = io.Copy(cmd.OutOrStdout(), rc)
				return err
			}

			printer := NewPrinter(cmd)
			if err := printer.Validate(); err != nil {
				return err
			}
			logs, err := archive.List("")
			if err != nil {
				return err
			}
			if printer.IsStructured() {
				return printer.PrintItem(map[string]any{"items": logs, "count": len(logs)}, nil)
			}

			var table [][]string
			for _, l := range logs {
				table = append(table, []string{
					strings.TrimSuffix(l.Name, ".lz4"),
					formatSize(l.Size),
					archivedLabel(l.Compressed),
					l.ModTime.Local().Format("2006-01-02 15:04:05"),
				})
			}
			printer.PrintTable([]string{"NAME", "SIZE", "STATE", "WHEN"}, table)
			return nil
		},
	}
	return cmd
}

func archivedLabel(compressed bool) string {
	if compressed {
		return "archived"
	}
	return "plain"
}

func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
