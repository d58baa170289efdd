//go:build linux
// +build linux

package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"ducker/internal/runtime"
	derrors "ducker/pkg/errors"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run [flags] IMAGE [COMMAND [ARG...]]",
	Short: "Run a command in a new container built from IMAGE",
	Long: `Extract IMAGE (.tar.gz, .tgz, .tar.bz, .tbz, .tar.xz or .txz) into a fresh
work directory, mount it as an overlay root and run COMMAND inside new
namespaces. Without COMMAND the configured command runs (default /bin/bash).

Requires root: the run creates mounts, cgroups, veth links and iptables rules.

Examples:
  ducker run app.tar.gz
  ducker run -t app.tar.xz /bin/sh
  ducker run --cgroup pids:pids.max=64 --memory 256m app.tgz /bin/echo hello
  ducker run --config ducker.yaml --nat=false app.tar.gz`,
	Args: cobra.MinimumNArgs(1),
	RunE: runContainer,
}

func init() {
	flags := runCmd.Flags()
	// Everything after IMAGE belongs to the workload.
	flags.SetInterspersed(false)
	runOpts.addFlags(flags)
}

func runContainer(cmd *cobra.Command, args []string) error {
	cfg, err := runOpts.containerConfig(cmd.Flags(), args[1:])
	if err != nil {
		return err
	}
	expected, err := runOpts.digest()
	if err != nil {
		return err
	}
	imagePath, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("invalid image path: %w", err)
	}

	log := newLogger()

	launcher, err := runtime.NewLauncher(runtime.Options{
		CgroupRoot:  cfg.CgroupRoot,
		ImageDigest: expected,
		Debug:       debug,
	}, log)
	if err != nil {
		return err
	}
	c, err := runtime.NewContainer(cfg)
	if err != nil {
		return err
	}

	exitCode, err := launcher.RunImage(c, imagePath)
	if err != nil {
		log.WithFields(logrus.Fields{
			"run":  c.ShortID(),
			"kind": derrors.KindOf(err),
		}).WithError(err).Error("run failed")
	}
	if exitCode < 0 {
		os.Exit(1)
	}
	os.Exit(exitCode)
	return nil // unreachable
}
