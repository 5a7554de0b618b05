package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

func newProvisionCmd() *cobra.Command {
	var mf moduleFlags

	cmd := &cobra.Command{
		Use:   "provision <app.yaml>",
		Short: "Build the module's environment",
		Long: `Create the module's isolated environment and install its dependencies,
then exit. Without --venv-root (or venv_root in devrt.toml) the environment is
temporary and removed again, which makes this a dry run of what serve does.

Examples:
  devrt provision app.yaml
  devrt provision app.yaml --venv-root .venvs`,

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

			env := s.factory.Environment()
			if env == nil {
				printer.Printf("%s uses the %s runtime; nothing to provision\n",
					s.module.ModuleName(), s.module.Runtime())
				return nil
			}

			view := environmentView{
				Dir:          env.Dir,
				Reused:       env.Reused,
				Owned:        env.Owned,
				Packages:     env.Packages,
				ManifestHash: env.ManifestHash,
				LogPath:      env.LogPath,
			}
			return printer.PrintItem(view, func() {
				printer.Printf("Environment:  %s\n", view.Dir)
				if view.Reused {
					printer.Printf("Reused:       yes\n")
				}
				if len(view.Packages) > 0 {
					printer.Printf("Packages:     %s\n", strings.Join(view.Packages, ", "))
				}
				if view.LogPath != "" {
					printer.Printf("Log:          %s\n", view.LogPath)
				}
				if view.Owned {
					printer.Printf("(temporary, removed on exit)\n")
				}
			})
		},
	}

	mf.register(cmd)
	return cmd
}
