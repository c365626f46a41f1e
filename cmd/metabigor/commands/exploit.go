package commands

import (
	"errors"

	"metabigor/internal/exploits"
	"metabigor/internal/runner"

	"github.com/spf13/cobra"
)

var exploitFlags struct {
	target     string
	targetList string
	relative   bool
}

func init() {
	f := exploitCmd.Flags()
	f.StringVarP(&exploitFlags.target, "target", "t", "", "Target as 'product|version'.")
	f.StringVarP(&exploitFlags.targetList, "target-list", "T", "", "File with one target per line.")
	f.BoolVar(&exploitFlags.relative, "rel", false, "Match the major version only.")
	rootCmd.AddCommand(exploitCmd)
}

var exploitCmd = &cobra.Command{
	Use:   "exploit (-t 'product|version' | -T <file>) [--rel]",
	Short: "Looks a product up in exploit databases and writes one CSV per database.",
	RunE: func(cmd *cobra.Command, args []string) error {
		r := newRunner(runner.Options{})
		ctx := cmd.Context()

		switch {
		case exploitFlags.targetList != "":
			summaries, err := r.ExploitList(ctx, exploitFlags.targetList, exploitFlags.relative)
			printSummary(summaries)
			if err != nil && ctx.Err() == nil {
				return err
			}
		case exploitFlags.target != "":
			target := exploits.ParseTarget(exploitFlags.target, exploitFlags.relative)
			if exploitFlags.relative {
				env.tel.ReportInfo("running with relative version", target.Version)
			}
			printSummary(r.Exploit(ctx, target))
		default:
			return errors.New("you need to give a target with -t or -T")
		}
		return nil
	},
}
