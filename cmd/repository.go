package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mixos-go/shed/pkg/shed"
)

var createCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a repository owned by --user",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreate,
}

var uploadCmd = &cobra.Command{
	Use:   "upload [owner/name] [files...]",
	Short: "Commit files to a repository",
	Long: `Commit one or more files to a repository, one changeset per file.

A .tar.gz or .tgz file is unpacked and its members committed together.
Repository elements of repository_dependencies.xml and
tool_dependencies.xml that leave toolshed or changeset_revision blank are
filled in with this shed and the tip of the target.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runUpload,
}

var deleteFileCmd = &cobra.Command{
	Use:   "delete-file [owner/name] [paths...]",
	Short: "Commit the removal of files from a repository",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runDeleteFile,
}

var revisionsCmd = &cobra.Command{
	Use:   "revisions [owner/name]",
	Short: "Show the changelog and installable revisions of a repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runRevisions,
}

var cloneCmd = &cobra.Command{
	Use:   "clone [owner/name] [dir]",
	Short: "Write the files of a repository revision to a directory",
	Args:  cobra.ExactArgs(2),
	RunE:  runClone,
}

func init() {
	rootCmd.AddCommand(createCmd, uploadCmd, deleteFileCmd, revisionsCmd, cloneCmd)

	createCmd.Flags().StringP("synopsis", "s", "", "one line synopsis (required)")
	createCmd.Flags().StringP("description", "d", "", "long description")
	createCmd.Flags().String("type", shed.TypeUnrestricted, "repository type")
	createCmd.Flags().StringSlice("category", nil, "category ids")

	uploadCmd.Flags().StringP("message", "m", "", "commit message")
	uploadCmd.Flags().String("as", "", "store a single file under this path")
	deleteFileCmd.Flags().StringP("message", "m", "", "commit message")
	cloneCmd.Flags().String("changeset", "", "changeset revision to clone (default: tip)")
}

func runCreate(cmd *cobra.Command, args []string) error {
	synopsis, _ := cmd.Flags().GetString("synopsis")
	description, _ := cmd.Flags().GetString("description")
	typ, _ := cmd.Flags().GetString("type")
	categories, _ := cmd.Flags().GetStringSlice("category")

	s, err := openShed()
	if err != nil {
		return err
	}
	defer s.Close()

	repo, err := s.CreateRepository(actingUser, shed.CreateRequest{
		Name:        args[0],
		Synopsis:    synopsis,
		Description: description,
		Type:        typ,
		CategoryIDs: categories,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Created repository %s/%s (%s)\n", repo.Owner, repo.Name, repo.ID)
	return nil
}

func lookupRepository(s *shed.Shed, arg string) (*shed.Repository, error) {
	key, err := parseKey(arg)
	if err != nil {
		return nil, err
	}
	return s.RepositoryByName(key.Owner, key.Name)
}

func runUpload(cmd *cobra.Command, args []string) error {
	message, _ := cmd.Flags().GetString("message")
	as, _ := cmd.Flags().GetString("as")
	if as != "" && len(args) > 2 {
		return fmt.Errorf("--as takes a single file")
	}

	s, err := openShed()
	if err != nil {
		return err
	}
	defer s.Close()

	repo, err := lookupRepository(s, args[0])
	if err != nil {
		return err
	}

	for _, path := range args[1:] {
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		name := filepath.Base(path)
		if as != "" {
			name = as
		}

		res, err := s.Upload(actingUser, repo.ID, shed.UploadRequest{
			Filename:      name,
			Content:       content,
			CommitMessage: message,
		})
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", path, err)
		}
		printUploadResult(res)
	}
	return nil
}

func runDeleteFile(cmd *cobra.Command, args []string) error {
	message, _ := cmd.Flags().GetString("message")

	s, err := openShed()
	if err != nil {
		return err
	}
	defer s.Close()

	repo, err := lookupRepository(s, args[0])
	if err != nil {
		return err
	}
	res, err := s.DeleteFiles(actingUser, repo.ID, args[1:], message)
	if err != nil {
		return err
	}
	printUploadResult(res)
	return nil
}

func printUploadResult(res *shed.UploadResult) {
	fmt.Println(res.Message)
	if res.Downloadable {
		fmt.Printf("  %s is installable\n", res.ChangesetRevision)
	}
	for _, e := range res.Errors {
		fmt.Printf("  warning: %s\n", e)
	}
}

func runRevisions(cmd *cobra.Command, args []string) error {
	s, err := openShed()
	if err != nil {
		return err
	}
	defer s.Close()

	repo, err := lookupRepository(s, args[0])
	if err != nil {
		return err
	}
	changesets, err := s.Changesets(repo.ID)
	if err != nil {
		return err
	}
	installable, err := s.OrderedInstallableRevisions(repo.Owner, repo.Name)
	if err != nil {
		return err
	}
	isInstallable := make(map[string]bool, len(installable))
	for _, rev := range installable {
		isInstallable[rev] = true
	}

	fmt.Printf("Changesets of %s/%s (%d):\n\n", repo.Owner, repo.Name, len(changesets))
	for _, cs := range changesets {
		mark := " "
		if isInstallable[cs.Revision] {
			mark = "*"
		}
		fmt.Printf("[%s] %3d:%s  %s  %s\n", mark, cs.Seq, cs.Revision,
			cs.Time.Format("2006-01-02 15:04"), strings.SplitN(cs.Message, "\n", 2)[0])
	}
	fmt.Println("\n[*] = installable")
	return nil
}

func runClone(cmd *cobra.Command, args []string) error {
	changeset, _ := cmd.Flags().GetString("changeset")

	key, err := parseKey(args[0])
	if err != nil {
		return err
	}
	s, err := openShed()
	if err != nil {
		return err
	}
	defer s.Close()

	rev, err := s.Clone(key.Owner, key.Name, changeset, args[1])
	if err != nil {
		return err
	}
	fmt.Printf("Cloned %s at %s into %s\n", key, rev, args[1])
	return nil
}
