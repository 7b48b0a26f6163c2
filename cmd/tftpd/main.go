// Command tftpd is a RFC 1350 TFTP server: a single-threaded readiness
// loop over the listening and per-session sockets, a file datastore
// rooted at a chroot jail, and a privilege-lowering bootstrap sequence.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/onefoot/iwtftpd/internal/bootstrap"
	"github.com/onefoot/iwtftpd/internal/config"
	"github.com/onefoot/iwtftpd/internal/sysexits"
)

// version is set via -ldflags "-X main.version=..." at release build time.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "tftpd",
		Short:         "RFC 1350 TFTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			loaded, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}
	config.BindFlags(root.Flags())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return sysexits.Usage
	}

	if cfg.PrintVersion {
		fmt.Printf("tftpd version %s\n", version)
		return sysexits.OK
	}

	return bootstrap.Run(cfg)
}
