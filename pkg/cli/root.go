// Package cli implements the devrt command-line interface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lajosnagyuk/devrt/pkg/config"
	"github.com/lajosnagyuk/devrt/pkg/log"
)

// BuildInfo contains version information for the binary.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// NewRootCmd creates the root devrt command.
func NewRootCmd(info BuildInfo) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devrt",
		Short: "Run Python app modules locally",
		Long: `devrt - run Python app modules locally

QUICK START
  devrt serve app.yaml             Build the environment and serve the module
  devrt describe app.yaml          Show how a worker would be launched
  devrt doctor                     Check interpreters and host setup

COMMANDS
  serve      Provision, start instances, and rebuild on changes
  provision  Build the module's environment once
  describe   Print the launch descriptor of an instance
  history    Show past provisioning runs
  logs       List or show installer logs
  doctor     Diagnose the host
  version    Show version info

Host settings are read from devrt.toml in the working directory, or from
the file given with --config.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return applyLogFlags(cmd)
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	cmd.SuggestionsMinimumDistance = 2

	cmd.PersistentFlags().String("config", "", "Host config file (default: ./devrt.toml)")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose output")
	cmd.PersistentFlags().BoolP("quiet", "q", false, "Only print errors")
	cmd.PersistentFlags().Bool("no-color", false, "Disable colored output")
	cmd.PersistentFlags().StringP("output", "o", "text", "Output format: text, json, yaml")

	cmd.AddCommand(
		newServeCmd(),
		newProvisionCmd(),
		newDescribeCmd(),
		newHistoryCmd(),
		newLogsCmd(),
		newDoctorCmd(),
		newVersionCmd(info),
	)

	return cmd
}

func applyLogFlags(cmd *cobra.Command) error {
	flags := cmd.Root().PersistentFlags()
	verbose, _ := flags.GetBool("verbose")
	quiet, _ := flags.GetBool("quiet")
	noColor, _ := flags.GetBool("no-color")

	if verbose && quiet {
		return fmt.Errorf("--verbose and --quiet cannot be combined")
	}

	switch {
	case quiet:
		log.SetLevel(log.LevelQuiet)
	case verbose:
		log.SetLevel(log.LevelVerbose)
	default:
		log.SetLevel(log.LevelNormal)
	}
	if noColor {
		log.SetColor(false)
	}
	return nil
}

// loadHost reads the host configuration named by --config.
func loadHost(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	return config.LoadOrDefault(path)
}

func newVersionCmd(info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "devrt version %s\n", info.Version)
			fmt.Fprintf(out, "  commit: %s\n", info.Commit)
			fmt.Fprintf(out, "  built:  %s\n", info.Date)
		},
	}
}
