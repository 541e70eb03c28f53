// Command tempo is the Tempo CLI client.
package main

import (
	"fmt"
	"os"

	"github.com/GoCodeAlone/tempo/internal/version"
	"github.com/spf13/cobra"
)

func main() {
	a := &app{out: os.Stdout}
	rootCmd := &cobra.Command{
		Use:           "tempo",
		Short:         "Tempo - task timers shared across devices",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&a.cfgPath, "config", "tempo.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&a.server, "server", "", "server URL (or $TEMPO_SERVER)")
	rootCmd.PersistentFlags().StringVar(&a.token, "token", "", "JWT auth token (or $TEMPO_TOKEN)")

	rootCmd.AddCommand(
		loginCmd(a),
		treeCmd(a),
		createCmd(a),
		timerCmd(a, "start", "Start a task, pausing whatever is running"),
		timerCmd(a, "pause", "Pause a running task"),
		timerCmd(a, "stop", "Complete a running or paused task"),
		deleteCmd(a),
		activeCmd(a),
		statsCmd(a),
		categoriesCmd(a),
		deviceCmd(a),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", explain(err))
		os.Exit(1)
	}
}
