package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mixos-go/shed/pkg/manager"
)

var updateCmd = &cobra.Command{
	Use:   "check-updates [owner/name...]",
	Short: "Check installed repositories for newer revisions",
	Long:  `Compare installed revisions with the newest installable revision in the tool shed.`,
	RunE:  runCheckUpdates,
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade [owner/name...]",
	Short: "Upgrade repositories",
	Long:  `Reinstall installed repositories at the newest installable revision.`,
	RunE:  runUpgrade,
}

func init() {
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(upgradeCmd)
	upgradeCmd.Flags().BoolP("yes", "y", false, "assume yes to all prompts")
}

// updates checks args, or every installed repository when args is empty.
func updates(cmd *cobra.Command, mgr *manager.Manager, args []string) ([]*manager.UpdateInfo, error) {
	if len(args) == 0 {
		return mgr.Updates(cmd.Context())
	}

	repos, err := installedArgs(mgr, args)
	if err != nil {
		return nil, err
	}
	var out []*manager.UpdateInfo
	for _, r := range repos {
		u, err := mgr.CheckForUpdates(cmd.Context(), r.ID)
		if err != nil {
			fmt.Printf("Warning: %s: %v\n", r.Key(), err)
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func runCheckUpdates(cmd *cobra.Command, args []string) error {
	mgr, closeFn, err := openManager()
	if err != nil {
		return err
	}
	defer closeFn()

	infos, err := updates(cmd, mgr, args)
	if err != nil {
		return fmt.Errorf("failed to check for updates: %w", err)
	}

	available := 0
	for _, u := range infos {
		if !u.UpdateAvailable {
			continue
		}
		available++
		fmt.Printf("  %s/%s (%s -> %s)\n", u.Owner, u.Name, u.Installed, u.Latest)
	}
	if available == 0 {
		fmt.Println("All repositories are up to date.")
	}
	return nil
}

func runUpgrade(cmd *cobra.Command, args []string) error {
	yes, _ := cmd.Flags().GetBool("yes")

	mgr, closeFn, err := openManager()
	if err != nil {
		return err
	}
	defer closeFn()

	infos, err := updates(cmd, mgr, args)
	if err != nil {
		return fmt.Errorf("failed to check for updates: %w", err)
	}

	var toUpgrade []*manager.UpdateInfo
	for _, u := range infos {
		if u.UpdateAvailable {
			toUpgrade = append(toUpgrade, u)
		}
	}
	if len(toUpgrade) == 0 {
		fmt.Println("All repositories are up to date.")
		return nil
	}

	for _, u := range toUpgrade {
		fmt.Printf("Upgrading %s/%s to %s\n", u.Owner, u.Name, u.Latest)
		err := install(cmd, mgr, manager.InstallRequest{
			Owner:                         u.Owner,
			Name:                          u.Name,
			ChangesetRevision:             u.Latest,
			InstallRepositoryDependencies: true,
			InstallToolDependencies:       true,
		}, yes)
		if err != nil {
			return fmt.Errorf("failed to upgrade %s/%s: %w", u.Owner, u.Name, err)
		}
	}

	fmt.Println("\nUpgrade complete!")
	return nil
}
