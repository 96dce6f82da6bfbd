package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/banshee-data/slamctl/internal/fsutil"
	"github.com/banshee-data/slamctl/internal/slam/persistence"
	"github.com/banshee-data/slamctl/internal/slam/trajectory"
)

func newPlotCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plot <mapfile>",
		Short: "Render the keyframe trajectory of a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlot(cmd.OutOrStdout(), fsutil.OSFileSystem{}, args[0], plotOptions{
				PNG:   v.GetString("png"),
				HTML:  v.GetString("html"),
				TUM:   v.GetString("tum"),
				Title: v.GetString("title"),
			})
		},
	}
	cmd.Flags().String("png", "", "write a top-down PNG plot to this path")
	cmd.Flags().String("html", "", "write an interactive HTML chart to this path")
	cmd.Flags().String("tum", "", "write the keyframe trajectory in TUM format to this path")
	cmd.Flags().String("title", "", "plot title (defaults to the file name)")
	return cmd
}

type plotOptions struct {
	PNG, HTML, TUM string
	Title          string
}

func runPlot(w io.Writer, fs fsutil.FileSystem, path string, o plotOptions) error {
	if o.PNG == "" && o.HTML == "" && o.TUM == "" {
		return errors.New("nothing to do: set at least one of --png, --html, --tum")
	}
	if o.Title == "" {
		o.Title = filepath.Base(path)
	}

	snap, err := persistence.ReadSnapshot(fs, path)
	if err != nil {
		return err
	}
	keyframes := trajectory.KeyFrameSamples(snapshotStore(snap))

	outputs := []struct {
		path  string
		write func(io.Writer) error
	}{
		{o.PNG, func(w io.Writer) error { return trajectory.WritePNG(w, o.Title, keyframes, keyframes) }},
		{o.HTML, func(w io.Writer) error { return trajectory.WriteHTML(w, o.Title, nil, keyframes) }},
		{o.TUM, func(w io.Writer) error { return trajectory.WriteTUM(w, keyframes) }},
	}
	for _, out := range outputs {
		if out.path == "" {
			continue
		}
		if err := writeFile(fs, out.path, out.write); err != nil {
			return err
		}
		fmt.Fprintf(w, "wrote %s (%d keyframes)\n", out.path, len(keyframes))
	}
	return nil
}

func writeFile(fs fsutil.FileSystem, path string, write func(io.Writer) error) error {
	f, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
