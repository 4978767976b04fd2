package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search for repositories",
	Long:  `Search tool shed repositories by name or synopsis.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().StringP("owner", "o", "", "search only repositories of this owner")
	searchCmd.Flags().Bool("deleted", false, "include deleted repositories")
}

func runSearch(cmd *cobra.Command, args []string) error {
	owner, _ := cmd.Flags().GetString("owner")
	deleted, _ := cmd.Flags().GetBool("deleted")
	query := strings.ToLower(strings.Join(args, " "))

	s, err := openShed()
	if err != nil {
		return err
	}
	defer s.Close()

	repos, err := s.Repositories(owner, deleted)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	found := 0
	for _, repo := range repos {
		if !strings.Contains(strings.ToLower(repo.Name), query) &&
			!strings.Contains(strings.ToLower(repo.Synopsis), query) {
			continue
		}
		found++
		status := " "
		if repo.Deleted {
			status = "x"
		}
		fmt.Printf("[%s] %s/%s (%s)\n", status, repo.Owner, repo.Name, repo.Type)
		if repo.Synopsis != "" {
			fmt.Printf("    %s\n", repo.Synopsis)
		}
	}

	if found == 0 {
		fmt.Printf("No repositories found matching '%s'\n", query)
		return nil
	}
	if deleted {
		fmt.Println("\n[x] = deleted")
	}
	return nil
}
