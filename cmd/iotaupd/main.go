// Copyright (c) 2026 the iotaupd authors
// SPDX-License-Identifier: Apache-2.0

// iotaupd installs .iota firmware packages onto the inactive root
// partition and switches the bootloader to it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iotaupd/iotaupd/agentlog"
	"github.com/iotaupd/iotaupd/notify"
	"github.com/iotaupd/iotaupd/pidfile"
	"github.com/iotaupd/iotaupd/progress"
	"github.com/iotaupd/iotaupd/sysops"
	"github.com/iotaupd/iotaupd/upgrade"
)

const agentName = "iotaupd"

// Version is set at build time via -ldflags.
var Version = "development"

func main() {
	log := agentlog.Init(agentName)

	var (
		cfg          upgrade.Config
		noProgress   bool
		dbusProgress bool
		skipAuthTag  bool
		logFile      string
	)

	rootCmd := &cobra.Command{
		Use:           agentName,
		Short:         "firmware upgrade engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	upgradeCmd := &cobra.Command{
		Use:   "upgrade",
		Short: "verify, decrypt and install a .iota firmware package",
		RunE: func(cmd *cobra.Command, args []string) error {
			if logFile != "" {
				agentlog.EnableFileOutput(log, logFile)
			}
			cfg.SkipAuthTag = skipAuthTag

			if err := pidfile.CheckAndCreatePidfile(log, agentName); err != nil {
				return fmt.Errorf("another upgrade is running: %w", err)
			}
			defer pidfile.Remove(log, agentName)

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var notifier notify.Notifier = notify.NewStderr(log)
			if dbusProgress {
				dn, err := notify.NewDBus(log)
				if err != nil {
					log.Warnf("dbus unavailable, logging progress instead: %v", err)
				} else {
					notifier = dn
				}
			}
			defer notifier.Close()

			emitter := progress.New(log, notifier, progress.Options{
				Bar:    !noProgress,
				Notify: dbusProgress,
			})

			u, err := upgrade.New(cfg, log, sysops.NewExec(log), notifier, emitter)
			if err != nil {
				return err
			}
			return u.Run(ctx)
		},
	}
	flags := upgradeCmd.Flags()
	flags.StringVarP(&cfg.ImagePath, "image", "i", "", "path to the .iota package")
	flags.StringVar(&cfg.PublicKeyPath, "verify", "", "PEM public key for signature verification")
	flags.BoolVar(&cfg.SkipVerify, "skip-verify", false, "bypass signature verification")
	flags.StringVarP(&cfg.KeyHex, "key", "k", "", "AES key as 32 hex characters (default built-in)")
	flags.BoolVar(&skipAuthTag, "skip-auth-tag", false, "bypass GCM tag verification (development only)")
	flags.IntVarP(&cfg.ChunkSize, "stream-count", "s", 0, "streaming chunk size in bytes")
	flags.BoolVar(&cfg.InPlace, "in-place", false, "install onto / instead of the inactive partition")
	flags.BoolVarP(&noProgress, "no-progress", "q", false, "suppress the terminal progress bar")
	flags.BoolVar(&dbusProgress, "dbus-progress", false, "emit progress on the D-Bus notification channel")
	flags.BoolVar(&cfg.Reboot, "reboot", false, "reboot after a committed upgrade")
	flags.StringVar(&logFile, "log-file", "", "duplicate logs to a rotated file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "print the iotaupd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}

	rootCmd.AddCommand(upgradeCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", agentName, err)
		os.Exit(upgrade.ExitCode(err))
	}
}
