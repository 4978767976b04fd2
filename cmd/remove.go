package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mixos-go/shed/pkg/manager"
)

var removeCmd = &cobra.Command{
	Use:     "remove [owner/name...]",
	Aliases: []string{"uninstall", "rm"},
	Short:   "Deactivate or uninstall repositories",
	Long: `Deactivate one or more installed repositories. Deactivated
repositories keep their files and can be reactivated; with --purge they
are uninstalled and their files removed from disk.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRemove,
}

var reactivateCmd = &cobra.Command{
	Use:   "reactivate [owner/name...]",
	Short: "Reactivate deactivated repositories",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runReactivate,
}

func init() {
	rootCmd.AddCommand(removeCmd, reactivateCmd)
	removeCmd.Flags().BoolP("yes", "y", false, "assume yes to all prompts")
	removeCmd.Flags().Bool("purge", false, "remove the repository files from disk")
}

// installedArgs looks up the installed rows named by args, skipping those
// that are not installed.
func installedArgs(mgr *manager.Manager, args []string) ([]*manager.InstalledRepository, error) {
	var out []*manager.InstalledRepository
	for _, arg := range args {
		key, err := parseKey(arg)
		if err != nil {
			return nil, err
		}
		r, err := mgr.GetByName(key.Owner, key.Name)
		if err != nil {
			fmt.Printf("Repository %s is not installed, skipping.\n", arg)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	yes, _ := cmd.Flags().GetBool("yes")
	purge, _ := cmd.Flags().GetBool("purge")

	mgr, closeFn, err := openManager()
	if err != nil {
		return err
	}
	defer closeFn()

	repos, err := installedArgs(mgr, args)
	if err != nil {
		return err
	}
	if len(repos) == 0 {
		fmt.Println("No repositories to remove.")
		return nil
	}

	// Warn about installed repositories that depend on the ones removed.
	all, err := mgr.List(false)
	if err != nil {
		return err
	}
	for _, r := range repos {
		var dependents []string
		for _, other := range all {
			if other.ID == r.ID || other.Status != manager.StatusInstalled || other.Metadata == nil {
				continue
			}
			for _, d := range other.Metadata.RepositoryDependencies {
				if d.Key() == r.Key() {
					dependents = append(dependents, other.Key().String())
					break
				}
			}
		}
		if len(dependents) > 0 {
			fmt.Printf("Warning: %s is required by: %v\n", r.Key(), dependents)
		}
	}

	verb := "deactivated"
	if purge {
		verb = "uninstalled"
	}
	fmt.Printf("The following repositories will be %s:\n", verb)
	for _, r := range repos {
		fmt.Printf("  %s %s\n", r.Key(), r.InstalledChangesetRevision)
	}

	if !yes && !confirm("Proceed?") {
		fmt.Println("Removal cancelled.")
		return nil
	}

	for _, r := range repos {
		if _, err := mgr.Remove(r.ID, purge); err != nil {
			return fmt.Errorf("failed to remove %s: %w", r.Key(), err)
		}
		fmt.Printf("  ✓ %s %s\n", r.Key(), verb)
	}
	return nil
}

func runReactivate(cmd *cobra.Command, args []string) error {
	mgr, closeFn, err := openManager()
	if err != nil {
		return err
	}
	defer closeFn()

	repos, err := installedArgs(mgr, args)
	if err != nil {
		return err
	}
	for _, r := range repos {
		if _, err := mgr.Reactivate(r.ID); err != nil {
			return fmt.Errorf("failed to reactivate %s: %w", r.Key(), err)
		}
		fmt.Printf("  ✓ %s reactivated\n", r.Key())
	}
	return nil
}
