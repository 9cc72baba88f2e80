// Command medcord runs the offline-first case messaging core: a local HTTP
// and websocket API for clients, plus one-shot commands for operators.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/medcord/backend/internal/config"
	"github.com/kimhsiao/medcord/backend/internal/logging"
)

// Version is set at build time
var Version = "0.1.0"

// app carries state shared by every subcommand.
type app struct {
	configPath string
	logLevel   string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "medcord",
		Short:         "Offline-first messaging for care cases",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default $MEDCORD_CONFIG or "+config.DefaultPath+")")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level (DEBUG, INFO, WARN, ERROR)")

	root.AddCommand(
		newServeCmd(a),
		newCasesCmd(a),
		newMessagesCmd(a),
		newSyncCmd(a),
		newStatusCmd(a),
		newCleanupCmd(a),
		newClearCmd(a),
		newConfigCmd(a),
	)
	return root
}

// load reads the config file and sets up logging.
func (a *app) load() error {
	cfg, err := config.Load(config.ResolvePath(a.configPath))
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	a.cfg = cfg
	logging.Init(os.Stderr, logging.ParseLevel(cfg.Log.Level))
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
