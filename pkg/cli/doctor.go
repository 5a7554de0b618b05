package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/lajosnagyuk/devrt/pkg/config"
	"github.com/lajosnagyuk/devrt/pkg/interp"
	"github.com/lajosnagyuk/devrt/pkg/platform"
	"github.com/lajosnagyuk/devrt/pkg/storage"
	"github.com/lajosnagyuk/devrt/pkg/store"
)

// errFailedChecks makes doctor exit non-zero.
var errFailedChecks = errors.New("some checks failed")

// Check represents a single diagnostic check.
type Check struct {
	Name    string `json:"name" yaml:"name"`
	Status  string `json:"status" yaml:"status"` // "ok", "warn", "fail"
	Message string `json:"message" yaml:"message"`
	Fix     string `json:"fix,omitempty" yaml:"fix,omitempty"`
}

// DoctorReport represents the full doctor output.
type DoctorReport struct {
	Checks  []Check `json:"checks" yaml:"checks"`
	Summary struct {
		OK   int `json:"ok" yaml:"ok"`
		Warn int `json:"warn" yaml:"warn"`
		Fail int `json:"fail" yaml:"fail"`
	} `json:"summary" yaml:"summary"`
}

func (r *DoctorReport) add(c Check) {
	r.Checks = append(r.Checks, c)
	switch c.Status {
	case "ok":
		r.Summary.OK++
	case "warn":
		r.Summary.Warn++
	default:
		r.Summary.Fail++
	}
}

func newDoctorCmd() *cobra.Command {
	var runtimes []string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the host setup and diagnose issues",
		Long: `Run diagnostic checks for running Python modules locally.

Checks include:
- Host configuration
- Interpreters for the requested runtimes
- venv / virtualenv and pip
- Legacy runtime location
- Provisioning history database and log directory

Examples:
  devrt doctor
  devrt doctor --runtime python311 --runtime python27
  devrt doctor -o json`,

		RunE: func(cmd *cobra.Command, args []string) error {
			printer := NewPrinter(cmd)
			if err := printer.Validate(); err != nil {
				return err
			}

			report := runDoctorChecks(cmd, runtimes)

			if err := printer.PrintItem(report, func() {
				printer.Printf("DEVRT DOCTOR\n")
				printer.Printf("============\n\n")
				for _, check := range report.Checks {
					symbol := "+"
					switch check.Status {
					case "warn":
						symbol = "~"
					case "fail":
						symbol = "!"
					}
					printer.Printf("%s %s: %s\n", symbol, check.Name, check.Message)
					if check.Fix != "" && check.Status != "ok" {
						printer.Printf("    Fix: %s\n", check.Fix)
					}
				}
				printer.Printf("\nSummary: %d passed, %d warnings, %d failed\n",
					report.Summary.OK, report.Summary.Warn, report.Summary.Fail)
			}); err != nil {
				return err
			}

			if report.Summary.Fail > 0 {
				return errFailedChecks
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&runtimes, "runtime", []string{"python3"}, "Runtime tags to check interpreters for")

	return cmd
}

func runDoctorChecks(cmd *cobra.Command, runtimes []string) DoctorReport {
	var report DoctorReport

	host, err := loadHost(cmd)
	if err != nil {
		report.add(Check{
			Name:    "Config",
			Status:  "fail",
			Message: err.Error(),
			Fix:     "Fix devrt.toml or pass --config",
		})
		host = config.Default()
	} else {
		report.add(Check{Name: "Config", Status: "ok", Message: "host configuration is valid"})
	}

	p := platform.Current()
	locator := interp.NewLocator(host.Interpreter, p)

	tags := append([]string(nil), runtimes...)
	for tag := range host.Interpreter.Runtimes {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	tags = dedupe(tags)

	for _, tag := range tags {
		c, path := checkInterpreter(cmd.Context(), locator, tag)
		report.add(c)
		if c.Status == "ok" {
			report.add(checkModule(cmd.Context(), path, "venv", "Environments", "install virtualenv or the python3-venv package"))
			report.add(checkModule(cmd.Context(), path, "pip", "Installer", "install pip for "+path))
		}
	}

	report.add(checkLegacyRuntime(host))
	report.add(checkLedger(host))
	report.add(checkLogDir(host))
	if host.VenvRoot != "" {
		report.add(checkVenvRoot(host))
	}

	return report
}

func checkInterpreter(ctx context.Context, locator *interp.Locator, tag string) (Check, string) {
	name := "Interpreter " + tag
	path := locator.Resolve(tag)

	v, err := locator.Validate(ctx, path, tag)
	if err != nil {
		return Check{
			Name:    name,
			Status:  "fail",
			Message: err.Error(),
			Fix:     fmt.Sprintf("Install Python or set [interpreter.runtimes] %s in devrt.toml", tag),
		}, path
	}
	msg := path
	if v.Known() {
		msg = fmt.Sprintf("%s (%s)", path, v.Raw)
	}
	return Check{Name: name, Status: "ok", Message: msg}, path
}

// checkModule runs "<python> -m <mod> --help". A missing venv module is
// only a warning when virtualenv is installed.
func checkModule(ctx context.Context, python, mod, name, fix string) Check {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := exec.CommandContext(ctx, python, "-m", mod, "--help").Run(); err != nil {
		if mod == "venv" {
			if _, lerr := exec.LookPath("virtualenv"); lerr == nil {
				return Check{Name: name, Status: "warn", Message: "venv module missing, virtualenv will be used"}
			}
		}
		return Check{Name: name, Status: "fail", Message: fmt.Sprintf("%s -m %s is unavailable", python, mod), Fix: fix}
	}
	return Check{Name: name, Status: "ok", Message: mod + " available"}
}

func checkLegacyRuntime(host *config.Config) Check {
	const name = "Legacy runtime"
	if host.Legacy.RuntimePath == "" {
		return Check{Name: name, Status: "warn", Message: "not configured", Fix: "Set [legacy] runtime_path for python27 modules"}
	}
	if _, err := os.Stat(host.Legacy.RuntimePath); err != nil {
		return Check{
			Name:    name,
			Status:  "warn",
			Message: host.Legacy.RuntimePath + " not found (only needed for python27 modules)",
			Fix:     "Set [legacy] runtime_path in devrt.toml",
		}
	}
	return Check{Name: name, Status: "ok", Message: host.Legacy.RuntimePath}
}

func checkLedger(host *config.Config) Check {
	const name = "History"
	ledger, err := store.Open(host.StateDB)
	if err != nil {
		return Check{Name: name, Status: "warn", Message: err.Error(), Fix: "Check state_db in devrt.toml"}
	}
	ledger.Close()
	return Check{Name: name, Status: "ok", Message: host.StateDB}
}

func checkLogDir(host *config.Config) Check {
	const name = "Logs"
	archive, err := storage.NewLogArchive(host.LogDir)
	if err == nil {
		var f *os.File
		f, err = os.CreateTemp(archive.Dir, ".doctor-*")
		if err == nil {
			f.Close()
			os.Remove(f.Name())
		}
	}
	if err != nil {
		return Check{Name: name, Status: "fail", Message: err.Error(), Fix: "Make log_dir writable"}
	}
	return Check{Name: name, Status: "ok", Message: host.LogDir}
}

func checkVenvRoot(host *config.Config) Check {
	const name = "Venv root"
	if err := host.EnsureVenvRoot(); err != nil {
		return Check{Name: name, Status: "fail", Message: err.Error(), Fix: "Make venv_root writable"}
	}
	return Check{Name: name, Status: "ok", Message: host.VenvRoot + " (kept between runs)"}
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
