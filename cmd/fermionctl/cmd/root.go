package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fermionq/fermion/internal/fermionctl"
	"github.com/fermionq/fermion/pkg/client"
)

var cfgFile string

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fermionctl",
		Short: "fermionctl submits and manages jobs on the Fermion compute service.",
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.fermionctl.yaml)")
	client.AddServiceApiConnectionCommandlineArgs(cmd)

	cmd.AddCommand(
		submitCmd(),
		statusCmd(),
		resultCmd(),
		cancelCmd(),
		deleteCmd(),
		watchCmd(),
		versionCmd(),
	)

	return cmd
}

func Execute() {
	if err := RootCmd().Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

// initApp loads connection config and builds the application object shared by
// all subcommands.
func initApp() (*fermionctl.App, error) {
	if err := client.LoadCommandlineArgsFromConfigFile(cfgFile); err != nil {
		return nil, err
	}
	app := fermionctl.New()
	app.Params.ApiConnectionDetails = client.ExtractCommandlineServiceApiConnectionDetails()
	return app, nil
}
