package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/banshee-data/slamctl/internal/fsutil"
	"github.com/banshee-data/slamctl/internal/monitoring"
	"github.com/banshee-data/slamctl/internal/slam/bow"
	"github.com/banshee-data/slamctl/internal/slam/mapgraph"
	"github.com/banshee-data/slamctl/internal/slam/persistence"
)

var errInconsistent = errors.New("map snapshot is inconsistent")

func newInspectCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <mapfile>",
		Short: "Decode a map snapshot and check its consistency",
		Long: `Decode a map snapshot and report keyframe and map point counts,
bad and orphaned entries, and slot/observation consistency. With --rebuild
the snapshot is also loaded the way the pipeline loads it and the
reconstructed graph is checked too.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.OutOrStdout(), fsutil.OSFileSystem{}, args[0], inspectOptions{
				Rebuild: v.GetBool("rebuild"),
				Strict:  v.GetBool("strict"),
				Metrics: v.GetBool("metrics"),
			})
		},
	}
	cmd.Flags().Bool("rebuild", false, "also reconstruct the graph and check the result")
	cmd.Flags().Bool("strict", false, "exit with an error if problems are found")
	cmd.Flags().Bool("metrics", false, "print the process metrics in Prometheus text format")
	return cmd
}

type inspectOptions struct {
	Rebuild bool
	Strict  bool
	// Metrics appends the load and save counters after the report.
	Metrics bool
}

func runInspect(w io.Writer, fs fsutil.FileSystem, path string, opts inspectOptions) error {
	snap, err := persistence.ReadSnapshot(fs, path)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "file:        %s\n", path)
	fmt.Fprintf(w, "compression: %s\n", snap.Compression)
	fmt.Fprintf(w, "null:        %d keyframes, %d map points\n", countNil(snap.KeyFrames), countNil(snap.MapPoints))

	report := snapshotStore(snap).Verify()
	printReport(w, "persisted", report)
	consistent := report.Consistent()

	if opts.Rebuild {
		store := mapgraph.NewStore()
		c := persistence.New(store, bow.NewDatabase(), persistence.Options{FS: fs})
		if _, err := c.Load(path); err != nil {
			return err
		}
		report := store.Verify()
		printReport(w, "rebuilt", report)
		consistent = consistent && report.Consistent()
	}

	if opts.Metrics {
		fmt.Fprintln(w, "[metrics]")
		monitoring.WriteMetrics(w)
	}

	if opts.Strict && !consistent {
		return errInconsistent
	}
	return nil
}

// snapshotStore installs the decoded entries as persisted, bad ones
// included, without any reconstruction.
func snapshotStore(snap persistence.Snapshot) *mapgraph.Store {
	s := mapgraph.NewStore()
	for _, kf := range snap.KeyFrames {
		if kf != nil {
			s.AddKeyFrame(kf)
		}
	}
	for _, p := range snap.MapPoints {
		if p != nil {
			s.AddMapPoint(p)
		}
	}
	return s
}

func printReport(w io.Writer, label string, r mapgraph.Report) {
	fmt.Fprintf(w, "[%s]\n", label)
	fmt.Fprintf(w, "  keyframes:  %d (%d bad)\n", r.KeyFrames, r.BadKeyFrames)
	fmt.Fprintf(w, "  map points: %d (%d bad, %d orphan)\n", r.Points, r.BadPoints, r.OrphanPoints)
	fmt.Fprintf(w, "  links:      %d\n", r.Links)
	if r.Consistent() {
		fmt.Fprintf(w, "  consistent: yes\n")
		return
	}
	fmt.Fprintf(w, "  consistent: no (%d problems)\n", len(r.Problems))
	for _, p := range r.Problems {
		fmt.Fprintf(w, "    - %s\n", p)
	}
}

func countNil[T any](xs []*T) int {
	n := 0
	for _, x := range xs {
		if x == nil {
			n++
		}
	}
	return n
}
