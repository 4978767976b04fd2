package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/mixos-go/shed/pkg/manager"
	"github.com/mixos-go/shed/pkg/resolver"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [owner/name]",
	Short: "Resolve repository dependencies and show the install order",
	Args:  cobra.ExactArgs(1),
	RunE:  runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)
	resolveCmd.Flags().String("changeset", "", "changeset revision of the repository (default: newest installable)")
	resolveCmd.Flags().Bool("dot", false, "print the dependency graph in DOT format")
}

func resolve(ctx context.Context, key resolver.Key, changeset string) (*resolver.Resolution, error) {
	if remoteShed != "" {
		info, err := manager.NewHTTPShed(remoteShed, http.DefaultClient).InstallInfo(ctx, key.Owner, key.Name, changeset)
		if err != nil {
			return nil, err
		}
		return info.Resolution, nil
	}

	s, err := openShed()
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.Resolve(key.Owner, key.Name, changeset)
}

func runResolve(cmd *cobra.Command, args []string) error {
	changeset, _ := cmd.Flags().GetString("changeset")
	dot, _ := cmd.Flags().GetBool("dot")

	key, err := parseKey(args[0])
	if err != nil {
		return err
	}
	res, err := resolve(cmd.Context(), key, changeset)
	if err != nil {
		return err
	}

	if dot {
		return res.WriteDOT(os.Stdout)
	}

	plan, err := resolver.NewPlan(res, nil)
	if err != nil {
		return err
	}
	fmt.Println(planTable(plan))
	printPlanWarnings(plan)
	return nil
}

func planTable(plan *resolver.Plan) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("#", "ACTION", "REPOSITORY", "REVISION", "REQUIRES FIRST").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	for i, step := range plan.Steps {
		prior := ""
		for j, k := range step.Prior {
			if j > 0 {
				prior += ", "
			}
			prior += k.String()
		}
		t.Row(fmt.Sprint(i+1), string(step.Action), step.Key.String(), step.ChangesetRevision, prior)
	}
	return t.Render()
}

func printPlanWarnings(plan *resolver.Plan) {
	for _, c := range plan.Cycles {
		names := ""
		for i, k := range c {
			if i > 0 {
				names += " -> "
			}
			names += k.String()
		}
		fmt.Println(warnStyle.Render("cycle: " + names))
	}
	for _, e := range plan.BrokenEdges {
		fmt.Println(warnStyle.Render(fmt.Sprintf("prior installation of %s cannot precede %s", e.To, e.From)))
	}
	for _, m := range plan.Missing {
		fmt.Println(errorStyle.Render(fmt.Sprintf("%s: missing %s/%s: %s",
			m.Dependent, m.Dependency.Owner, m.Dependency.Name, m.Reason)))
	}
}
