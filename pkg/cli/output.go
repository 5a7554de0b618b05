package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// OutputFormat represents the desired output format.
type OutputFormat string

const (
	OutputText OutputFormat = "text"
	OutputJSON OutputFormat = "json"
	OutputYAML OutputFormat = "yaml"
)

// Printer writes command results in the requested format.
type Printer struct {
	Format OutputFormat
	Writer io.Writer
}

// NewPrinter creates a printer from the command's output flag.
func NewPrinter(cmd *cobra.Command) *Printer {
	format, _ := cmd.Root().PersistentFlags().GetString("output")
	return &Printer{
		Format: OutputFormat(format),
		Writer: cmd.OutOrStdout(),
	}
}

// Validate rejects unknown formats before any work is done.
func (p *Printer) Validate() error {
	switch p.Format {
	case OutputText, OutputJSON, OutputYAML, "":
		return nil
	}
	return fmt.Errorf("unknown output format: %s (use text, json, or yaml)", p.Format)
}

// IsStructured returns true if the output format expects structured data.
func (p *Printer) IsStructured() bool {
	return p.Format == OutputJSON || p.Format == OutputYAML
}

// PrintItem prints item in a structured format, or calls textFunc.
func (p *Printer) PrintItem(item any, textFunc func()) error {
	switch p.Format {
	case OutputJSON:
		enc := json.NewEncoder(p.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(item)
	case OutputYAML:
		enc := yaml.NewEncoder(p.Writer)
		defer enc.Close()
		return enc.Encode(item)
	}
	textFunc()
	return nil
}

// PrintTable prints rows under headers, aligned.
func (p *Printer) PrintTable(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(p.Writer, "(none)")
		return
	}

	w := tabwriter.NewWriter(p.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
}

// Printf writes formatted text.
func (p *Printer) Printf(format string, args ...any) {
	fmt.Fprintf(p.Writer, format, args...)
}
