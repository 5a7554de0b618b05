package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/lajosnagyuk/devrt/pkg/environ"
	"github.com/lajosnagyuk/devrt/pkg/factory"
)

// environmentView is the printable part of a provisioned environment.
type environmentView struct {
	Dir          string   `json:"dir" yaml:"dir"`
	Reused       bool     `json:"reused" yaml:"reused"`
	Owned        bool     `json:"owned" yaml:"owned"`
	Packages     []string `json:"packages,omitempty" yaml:"packages,omitempty"`
	ManifestHash string   `json:"manifest_hash,omitempty" yaml:"manifest_hash,omitempty"`
	LogPath      string   `json:"log_path,omitempty" yaml:"log_path,omitempty"`
}

// descriptorView is the printable form of a launch descriptor.
type descriptorView struct {
	Module          string            `json:"module" yaml:"module"`
	Runtime         string            `json:"runtime" yaml:"runtime"`
	Generation      string            `json:"generation" yaml:"generation"`
	Interpreter     string            `json:"interpreter" yaml:"interpreter"`
	PythonVersion   string            `json:"python_version,omitempty" yaml:"python_version,omitempty"`
	InstanceID      string            `json:"instance_id" yaml:"instance_id"`
	Args            []string          `json:"args" yaml:"args"`
	WorkDir         string            `json:"work_dir" yaml:"work_dir"`
	StartMode       string            `json:"start_mode" yaml:"start_mode"`
	RequestIDHeader string            `json:"request_id_header,omitempty" yaml:"request_id_header,omitempty"`
	MaxConcurrent   int               `json:"max_concurrent_requests" yaml:"max_concurrent_requests"`
	MaxBackground   int               `json:"max_background_threads" yaml:"max_background_threads"`
	Environment     *environmentView  `json:"environment,omitempty" yaml:"environment,omitempty"`
	Env             map[string]string `json:"env" yaml:"env"`
}

func describe(f *factory.Factory, desc *factory.LaunchDescriptor) descriptorView {
	interpreter, version := f.Interpreter()
	v := descriptorView{
		Module:          desc.Module.ModuleName(),
		Runtime:         desc.Module.Runtime(),
		Generation:      f.Generation(),
		Interpreter:     interpreter,
		PythonVersion:   version.Raw,
		InstanceID:      desc.InstanceID,
		Args:            desc.Args,
		WorkDir:         desc.WorkDir,
		StartMode:       desc.StartMode.String(),
		RequestIDHeader: desc.RequestIDHeader,
		MaxConcurrent:   f.MaxConcurrentRequests(),
		MaxBackground:   f.MaxBackgroundThreads(),
		Env:             desc.Env,
	}
	if env := f.Environment(); env != nil {
		v.Environment = &environmentView{
			Dir:          env.Dir,
			Reused:       env.Reused,
			Owned:        env.Owned,
			Packages:     env.Packages,
			ManifestHash: env.ManifestHash,
			LogPath:      env.LogPath,
		}
	}
	return v
}

func newDescribeCmd() *cobra.Command {
	var (
		mf       moduleFlags
		instance string
		showEnv  bool
	)

	cmd := &cobra.Command{
		Use:   "describe <app.yaml>",
		Short: "Show how an instance would be launched",
		Long: `Provision the module and print the launch descriptor an instance would
get: command line, working directory, start mode, and environment. Nothing
is started.

Examples:
  devrt describe app.yaml
  devrt describe app.yaml --env          # include the full environment
  devrt describe app.yaml -o json`,

		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			printer := NewPrinter(cmd)
			if err := printer.Validate(); err != nil {
				return err
			}

			s, err := openSession(cmd.Context(), cmd, args[0], mf)
			if err != nil {
				return err
			}
			defer s.Close()

			desc, err := s.factory.Describe(instance)
			if err != nil {
				return err
			}
			view := describe(s.factory, desc)

			return printer.PrintItem(view, func() {
				printer.Printf("Module:       %s (%s, %s)\n", view.Module, view.Runtime, view.Generation)
				printer.Printf("Interpreter:  %s %s\n", view.Interpreter, view.PythonVersion)
				printer.Printf("Instance:     %s\n", view.InstanceID)
				printer.Printf("Command:      %s\n", strings.Join(view.Args, " "))
				printer.Printf("Directory:    %s\n", view.WorkDir)
				printer.Printf("Start mode:   %s\n", view.StartMode)
				if view.RequestIDHeader != "" {
					printer.Printf("Request id:   %s\n", view.RequestIDHeader)
				}
				printer.Printf("Concurrency:  %d requests, %d background threads\n", view.MaxConcurrent, view.MaxBackground)
				if e := view.Environment; e != nil {
					printer.Printf("Environment:  %s\n", e.Dir)
					if len(e.Packages) > 0 {
						printer.Printf("Packages:     %s\n", strings.Join(e.Packages, ", "))
					}
				}
				if showEnv {
					printer.Printf("\n")
					for _, kv := range environ.List(view.Env) {
						printer.Printf("  %s\n", kv)
					}
				} else {
					printer.Printf("Variables:    %d (use --env to list)\n", len(view.Env))
				}
			})
		},
	}

	mf.register(cmd)
	cmd.Flags().StringVar(&instance, "instance", "0", "Instance id to describe")
	cmd.Flags().BoolVar(&showEnv, "env", false, "List the instance environment")

	return cmd
}
