package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/meigma/ocipkg"
	"github.com/meigma/ocipkg/reference"
	"github.com/meigma/ocipkg/registry"
)

func newPushCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push ARCHIVE [TARGET]",
		Short: "Push an oci-archive to a registry",
		Long: "Push every image of an oci-archive to the reference it is named with, " +
			"or the single image of the archive to TARGET.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			var target string
			if len(args) == 2 {
				target = args[1]
			}
			return c.PushArchive(cmd.Context(), f, target)
		},
	}
}

func newGetCmd(g *globalOptions) *cobra.Command {
	var update bool
	cmd := &cobra.Command{
		Use:   "get REFERENCE",
		Short: "Download a package into the local store and print its directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			var opts []ocipkg.GetOption
			if update {
				opts = append(opts, ocipkg.WithUpdate())
			}
			dir, err := c.Get(cmd.Context(), args[0], opts...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&update, "update", false, "re-resolve the tag even when the package is stored")
	return cmd
}

func newLoadCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load ARCHIVE",
		Short: "Unpack an oci-archive into the local store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			dir, err := c.Load(cmd.Context(), f)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dir)
			return nil
		},
	}
}

func newListCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List packages in the local store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			for e, err := range c.List() {
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), e.Ref.String())
			}
			return nil
		},
	}
}

func newImageDirectoryCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "image-directory REFERENCE",
		Short: "Print the local directory of a stored package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			dir, err := c.ImageDirectory(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dir)
			return nil
		},
	}
}

func newTagsCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tags REPOSITORY",
		Short: "List the tags of a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			tags, err := c.Tags(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, t := range tags {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}
}

func newLoginCmd(g *globalOptions) *cobra.Command {
	var (
		username      string
		password      string
		passwordStdin bool
	)
	cmd := &cobra.Command{
		Use:   "login REGISTRY",
		Short: "Verify credentials for a registry and save them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if passwordStdin {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				password = strings.TrimRight(string(b), "\r\n")
			}
			if username == "" || password == "" {
				return fmt.Errorf("login %s: username and password are required", args[0])
			}
			store, err := registry.ConfigCredentialStore()
			if err != nil {
				return err
			}
			if err := registry.Login(cmd.Context(), store, args[0], username, password, g.plainHTTP || reference.PlainHTTPDefault(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Login succeeded for %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "registry username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "registry password or token")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")
	return cmd
}

func newInspectCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect REFERENCE",
		Short: "Show the manifest digest and file list of a package in a registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			result, err := c.Inspect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Digest:  %s\n", result.Digest())
			fmt.Fprintf(out, "Layers:  %d (%d bytes)\n", result.LayerCount(), result.LayerSize())
			if created := result.Created(); !created.IsZero() {
				fmt.Fprintf(out, "Created: %s\n", created.Format(time.RFC3339))
			}
			for _, f := range result.Files() {
				fmt.Fprintln(out, f)
			}
			return nil
		},
	}
}
