package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mixos-go/shed/pkg/manager"
	"github.com/mixos-go/shed/pkg/resolver"
)

var installCmd = &cobra.Command{
	Use:   "install [owner/name]",
	Short: "Install a repository",
	Long: `Install a repository into Galaxy with automatic resolution of its
repository dependencies. Repositories that are already installed are
skipped and deactivated ones are reactivated.`,
	Args: cobra.ExactArgs(1),
	RunE: runInstall,
}

func init() {
	rootCmd.AddCommand(installCmd)
	installCmd.Flags().BoolP("yes", "y", false, "assume yes to all prompts")
	installCmd.Flags().Bool("no-deps", false, "do not install repository dependencies")
	installCmd.Flags().Bool("no-tool-deps", false, "do not install tool dependencies")
	installCmd.Flags().String("changeset", "", "changeset revision to install (default: newest installable)")
	installCmd.Flags().String("section", "", "tool panel section label")
}

func runInstall(cmd *cobra.Command, args []string) error {
	yes, _ := cmd.Flags().GetBool("yes")
	noDeps, _ := cmd.Flags().GetBool("no-deps")
	noToolDeps, _ := cmd.Flags().GetBool("no-tool-deps")
	changeset, _ := cmd.Flags().GetString("changeset")
	section, _ := cmd.Flags().GetString("section")

	key, err := parseKey(args[0])
	if err != nil {
		return err
	}

	mgr, closeFn, err := openManager()
	if err != nil {
		return err
	}
	defer closeFn()

	req := manager.InstallRequest{
		Owner:                         key.Owner,
		Name:                          key.Name,
		ChangesetRevision:             changeset,
		InstallRepositoryDependencies: !noDeps,
		InstallToolDependencies:       !noToolDeps,
		NewToolPanelSectionLabel:      section,
	}
	return install(cmd, mgr, req, yes)
}

// install previews the plan of req and executes it once confirmed.
func install(cmd *cobra.Command, mgr *manager.Manager, req manager.InstallRequest, yes bool) error {
	plan, err := mgr.Plan(cmd.Context(), req)
	if err != nil {
		return err
	}
	if plan.IsNoop() {
		fmt.Printf("%s/%s is already installed.\n", req.Owner, req.Name)
		return nil
	}

	fmt.Println("The following installation plan will be executed:")
	fmt.Println(planTable(plan))
	printPlanWarnings(plan)
	if n := skipped(plan); n > 0 {
		fmt.Printf("%d of %d repositories are already installed.\n", n, len(plan.Steps))
	}

	if !yes && !confirm("Proceed with installation?") {
		fmt.Println("Installation cancelled.")
		return nil
	}

	var repos []*manager.InstalledRepository
	err = withProgress(mgr, func() error {
		prepared, err := mgr.Prepare(cmd.Context(), req)
		if err != nil {
			return err
		}
		repos, err = mgr.Execute(cmd.Context(), prepared)
		return err
	})
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range repos {
		if r.Status == manager.StatusError {
			failed++
			fmt.Printf("  ✗ %s/%s: %s\n", r.Owner, r.Name, r.ErrorMessage)
			continue
		}
		fmt.Printf("  ✓ %s/%s %s\n", r.Owner, r.Name, r.InstalledChangesetRevision)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d repositories failed to install", failed, len(repos))
	}

	fmt.Println("\nInstallation complete!")
	return nil
}

// skipped counts the steps of plan that leave a repository untouched.
func skipped(plan *resolver.Plan) int {
	n := 0
	for _, s := range plan.Steps {
		if s.Action == resolver.ActionSkip {
			n++
		}
	}
	return n
}
