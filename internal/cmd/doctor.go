package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/kristinday/ace/internal/doctor"
	"github.com/kristinday/ace/internal/tmux"
)

var (
	doctorFix     bool
	doctorVerbose bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the environment for problems",
	Long: `Check that everything a run needs is in place: tmux, git, an
authenticated gh, a valid config, and a writable workspace root. Also
reports agent sessions still live on the tmux server.

With --fix, problems that support auto-repair (like a missing root
directory) are fixed in place.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d := doctor.NewDoctor()
		d.Register(
			doctor.NewConfigCheck(settings),
			doctor.NewGitCheck(),
			doctor.NewGhCheck(),
			doctor.NewTmuxCheck(),
			doctor.NewSessionsCheck(tmux.NewTmux()),
			doctor.NewRootCheck(),
		)
		report := d.Run(&doctor.CheckContext{Root: settings.Root, Verbose: doctorVerbose}, doctorFix)
		report.Print(os.Stdout, doctorVerbose)
		if report.HasErrors() {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false, "Attempt auto-fix for failed checks")
	doctorCmd.Flags().BoolVar(&doctorVerbose, "verbose", false, "Show details for passing checks")
}
