package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mixos-go/shed/pkg/shed"
)

var resetCmd = &cobra.Command{
	Use:   "reset-metadata [owner/name...]",
	Short: "Recompute repository metadata",
	Long: `Recompute the metadata of tool shed repositories from their changelog
and report what changed. With --galaxy the metadata of installed
repositories is refreshed from the tool shed instead. Without arguments
every repository is reset, which requires an administrator.`,
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
	resetCmd.Flags().Bool("dry-run", false, "report changes without storing them")
	resetCmd.Flags().Bool("galaxy", false, "reset installed repositories")
	resetCmd.Flags().BoolP("verbose", "v", false, "show the full difference")
}

func runReset(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	galaxy, _ := cmd.Flags().GetBool("galaxy")
	verbose, _ := cmd.Flags().GetBool("verbose")

	if galaxy {
		return resetInstalled(cmd, args, dryRun, verbose)
	}

	s, err := openShed()
	if err != nil {
		return err
	}
	defer s.Close()

	if len(args) == 0 {
		if dryRun {
			return fmt.Errorf("--dry-run needs repository arguments")
		}
		res, err := s.ResetMetadataOnRepositories(actingUser, nil)
		if err != nil {
			return err
		}
		printBulkResult(res)
		return nil
	}

	for _, arg := range args {
		repo, err := lookupRepository(s, arg)
		if err != nil {
			return err
		}
		res, err := s.ResetMetadata(actingUser, repo.ID, dryRun, false)
		if err != nil {
			return fmt.Errorf("failed to reset %s: %w", arg, err)
		}
		printReset(arg, res.Changed, res.Diff, dryRun, verbose)
	}
	return nil
}

func resetInstalled(cmd *cobra.Command, args []string, dryRun, verbose bool) error {
	mgr, closeFn, err := openManager()
	if err != nil {
		return err
	}
	defer closeFn()

	if len(args) == 0 {
		if dryRun {
			return fmt.Errorf("--dry-run needs repository arguments")
		}
		res, err := mgr.ResetMetadataOnRepositories(cmd.Context(), nil)
		if err != nil {
			return err
		}
		printBulkResult(res)
		return nil
	}

	repos, err := installedArgs(mgr, args)
	if err != nil {
		return err
	}
	for _, r := range repos {
		res, err := mgr.ResetMetadata(cmd.Context(), r.ID, dryRun)
		if err != nil {
			return fmt.Errorf("failed to reset %s: %w", r.Key(), err)
		}
		printReset(r.Key().String(), res.Changed, res.Diff, dryRun, verbose)
		if res.ToolPanelSectionDropped != "" {
			fmt.Printf("  tool panel section %q dropped\n", res.ToolPanelSectionDropped)
		}
	}
	return nil
}

func printReset(name string, changed bool, diff string, dryRun, verbose bool) {
	switch {
	case !changed:
		fmt.Printf("  %s: metadata unchanged\n", name)
	case dryRun:
		fmt.Printf("  %s: metadata would change\n", name)
	default:
		fmt.Printf("  %s: metadata updated\n", name)
	}
	if changed && verbose {
		fmt.Println(diff)
	}
}

func printBulkResult(res *shed.BulkResult) {
	fmt.Printf("Reset metadata on %d repositories.\n", res.SuccessCount)
	for _, e := range res.Errors {
		name := e.RepositoryID
		if e.Owner != "" {
			name = e.Owner + "/" + e.Name
		}
		fmt.Printf("  %s: %s\n", name, e.Error)
	}
}
