package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mixos-go/shed/pkg/api"
	"github.com/mixos-go/shed/pkg/manager"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the tool shed and Galaxy APIs",
	Long: `Serve the tool shed API under /api/repositories and the Galaxy
installed repository API under /api/tool_shed_repositories.

The acting user of a request is read from the X-API-User header.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("no-galaxy", false, "serve only the tool shed API")
}

func runServe(cmd *cobra.Command, args []string) error {
	noGalaxy, _ := cmd.Flags().GetBool("no-galaxy")

	s, err := openShed()
	if err != nil {
		return err
	}
	defer s.Close()

	var m *manager.Manager
	if !noGalaxy {
		m, err = manager.New(cfg, &manager.LocalShed{Shed: s})
		if err != nil {
			return err
		}
		defer m.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return api.New(cfg, s, m).ListenAndServe(ctx)
}
