package cli

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	Version = "0.1.0"

	// debug is the persistent --debug flag.
	debug bool
)

var rootCmd = &cobra.Command{
	Use:   "ducker",
	Short: "Run a command from an image archive in an isolated container",
	Long: `ducker unpacks a root filesystem archive, mounts it as an overlay and
runs one command inside fresh PID, mount, UTS, user, network and IPC
namespaces. The container gets a veth link to the host, optional NAT and
cgroup limits. Everything is removed again when the command exits.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       Version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ducker version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "ducker version %s\n", Version)
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

// newLogger builds the logger handed to the launcher.
func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}
