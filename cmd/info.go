package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info [owner/name]",
	Short: "Show an installed repository",
	Long:  `Display an installed repository with the state of its dependencies.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().BoolP("files", "f", false, "list the installed files")
}

func runInfo(cmd *cobra.Command, args []string) error {
	showFiles, _ := cmd.Flags().GetBool("files")

	key, err := parseKey(args[0])
	if err != nil {
		return err
	}

	mgr, closeFn, err := openManager()
	if err != nil {
		return err
	}
	defer closeFn()

	r, err := mgr.GetByName(key.Owner, key.Name)
	if err != nil {
		return err
	}
	view, err := mgr.View(r.ID)
	if err != nil {
		return err
	}

	fmt.Printf("Repository: %s\n", view.Key())
	fmt.Printf("Tool shed: %s\n", view.ToolShed)
	fmt.Printf("Revision: %s\n", view.ChangesetRevision)
	if view.InstalledChangesetRevision != "" && view.InstalledChangesetRevision != view.ChangesetRevision {
		fmt.Printf("Installed revision: %s\n", view.InstalledChangesetRevision)
	}
	fmt.Printf("Status: %s\n", view.Status)
	if view.ErrorMessage != "" {
		fmt.Printf("Error: %s\n", view.ErrorMessage)
	}
	if view.ToolPanelSection != "" {
		fmt.Printf("Tool panel section: %s\n", view.ToolPanelSection)
	}
	if view.InstallDir != "" {
		fmt.Printf("Directory: %s\n", view.InstallDir)
	}

	if view.Metadata != nil && len(view.Metadata.Tools) > 0 {
		fmt.Printf("\nTools (%d):\n", len(view.Metadata.Tools))
		for _, t := range view.Metadata.Tools {
			fmt.Printf("  %s %s\n", t.ID, t.Version)
		}
	}

	if len(view.RepositoryDependencies) > 0 {
		fmt.Printf("\nRepository dependencies (%d):\n", len(view.RepositoryDependencies))
		for _, d := range view.RepositoryDependencies {
			prior := ""
			if d.PriorInstallationRequired {
				prior = " (prior installation required)"
			}
			fmt.Printf("  %s/%s %s: %s%s\n", d.Owner, d.Name, d.ChangesetRevision, d.Status, prior)
		}
	}
	if len(view.MissingRepositoryDependencies) > 0 {
		fmt.Printf("\nMissing repository dependencies (%d):\n", len(view.MissingRepositoryDependencies))
		for _, d := range view.MissingRepositoryDependencies {
			reason := string(d.Status)
			if d.Error != "" {
				reason = d.Error
			}
			fmt.Printf("  %s/%s %s: %s\n", d.Owner, d.Name, d.ChangesetRevision, reason)
		}
	}
	if len(view.ToolDependencies) > 0 {
		fmt.Printf("\nTool dependencies (%d):\n", len(view.ToolDependencies))
		for _, d := range view.ToolDependencies {
			from := ""
			if d.Repository != nil {
				from = " from " + d.Repository.String()
			}
			fmt.Printf("  %s %s (%s): %s%s\n", d.Name, d.Version, d.Type, d.Status, from)
		}
	}

	if showFiles {
		fmt.Printf("\nInstalled files (%d):\n", len(view.Files))
		for _, f := range view.Files {
			fmt.Printf("  %s\n", f)
		}
	}

	return nil
}
