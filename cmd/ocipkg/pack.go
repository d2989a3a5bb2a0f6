package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/meigma/ocipkg"
	"github.com/meigma/ocipkg/codec"
	"github.com/meigma/ocipkg/layout"
)

type packOptions struct {
	output      string
	name        string
	compression string
}

func (o *packOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.output, "output", "o", "", "path of the oci-archive to write")
	cmd.Flags().StringVarP(&o.name, "name", "n", "", "reference name of the packed image")
	cmd.Flags().StringVar(&o.compression, "compression", "gzip", "layer compression: none, gzip or zstd")
	_ = cmd.MarkFlagRequired("output")
}

func (o *packOptions) write(files []ocipkg.FileEntry) error {
	c, err := codec.ParseCompression(o.compression)
	if err != nil {
		return err
	}
	opts := []ocipkg.PackOption{ocipkg.WithCompression(c)}
	if o.name != "" {
		opts = append(opts, ocipkg.WithName(o.name))
	}
	l, err := layout.Pack(files, opts...)
	if err != nil {
		return err
	}
	return writeArchive(o.output, l)
}

// writeArchive writes l next to path and renames it into place.
func writeArchive(path string, l *ocipkg.Layout) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".ocipkg-*.tar")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if err := l.WriteArchive(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func newPackCmd() *cobra.Command {
	o := &packOptions{}
	cmd := &cobra.Command{
		Use:   "pack FILE... -o ARCHIVE",
		Short: "Pack files into an oci-archive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			files := make([]ocipkg.FileEntry, len(args))
			for i, p := range args {
				files[i] = ocipkg.FileEntry{Path: p}
			}
			return o.write(files)
		},
	}
	o.addFlags(cmd)
	return cmd
}

func newPackDirCmd() *cobra.Command {
	o := &packOptions{}
	cmd := &cobra.Command{
		Use:   "pack-dir DIR -o ARCHIVE",
		Short: "Pack every file below a directory into an oci-archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			files, err := layout.FilesFromDir(args[0])
			if err != nil {
				return err
			}
			return o.write(files)
		},
	}
	o.addFlags(cmd)
	return cmd
}
