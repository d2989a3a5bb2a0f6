package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/meigma/ocipkg"
)

type globalOptions struct {
	plainHTTP bool
	storeDir  string
	verbose   bool
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:           "ocipkg",
		Short:         "Distribute packages of files through OCI registries",
		Version:       version + " (" + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.BoolVar(&g.plainHTTP, "plain-http", false, "use HTTP instead of HTTPS for every registry")
	flags.StringVar(&g.storeDir, "store", "", "local store directory (default $OCIPKG_HOME or the user data directory)")
	flags.BoolVarP(&g.verbose, "verbose", "v", false, "log debug output to stderr")

	root.AddCommand(
		newPackCmd(),
		newPackDirCmd(),
		newPushCmd(g),
		newGetCmd(g),
		newLoadCmd(g),
		newListCmd(g),
		newImageDirectoryCmd(g),
		newTagsCmd(g),
		newInspectCmd(g),
		newLoginCmd(g),
	)
	return root
}

func (g *globalOptions) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if g.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func (g *globalOptions) client(cmd *cobra.Command) (*ocipkg.Client, error) {
	opts := []ocipkg.Option{
		ocipkg.WithDockerConfig(),
		ocipkg.WithLogger(g.logger(cmd)),
	}
	if g.plainHTTP {
		opts = append(opts, ocipkg.WithPlainHTTP(true))
	}
	if g.storeDir != "" {
		opts = append(opts, ocipkg.WithStoreDir(g.storeDir))
	}
	return ocipkg.NewClient(opts...)
}
