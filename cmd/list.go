package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed repositories",
	Long:  `List the repositories installed in Galaxy with their revision and status.`,
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().BoolP("all", "a", false, "include uninstalled repositories")
}

func runList(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")

	mgr, closeFn, err := openManager()
	if err != nil {
		return err
	}
	defer closeFn()

	repos, err := mgr.List(all)
	if err != nil {
		return fmt.Errorf("failed to list repositories: %w", err)
	}

	if len(repos) == 0 {
		fmt.Println("No repositories installed.")
		return nil
	}

	fmt.Printf("Installed repositories (%d):\n\n", len(repos))
	for _, r := range repos {
		rev := r.InstalledChangesetRevision
		if rev == "" {
			rev = r.ChangesetRevision
		}
		fmt.Printf("  %-40s %-12s %s\n", r.Key(), rev, r.Status)
	}

	return nil
}
