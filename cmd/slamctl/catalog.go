package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/banshee-data/slamctl/internal/catalog"
)

func newCatalogCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Query the snapshot catalog",
	}
	cmd.PersistentFlags().String("db", "slam_catalog.db", "catalog sqlite file")

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCatalog(v.GetString("db"), func(c *catalog.Catalog) error {
				entries, err := c.List(cmd.Context(), v.GetInt("limit"))
				if err != nil {
					return err
				}
				return printEntries(cmd.OutOrStdout(), entries)
			})
		},
	}
	list.Flags().Int("limit", 20, "maximum number of snapshots (0 for all)")

	latest := &cobra.Command{
		Use:   "latest <mapfile>",
		Short: "Show the newest snapshot saved to a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCatalog(v.GetString("db"), func(c *catalog.Catalog) error {
				e, err := c.Latest(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printEntries(cmd.OutOrStdout(), []catalog.Entry{e})
			})
		},
	}

	cmd.AddCommand(list, latest)
	return cmd
}

func withCatalog(path string, fn func(*catalog.Catalog) error) error {
	c, err := catalog.Open(path)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func printEntries(w io.Writer, entries []catalog.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SAVED\tSNAPSHOT\tKEYFRAMES\tPOINTS\tBYTES\tCOMPRESSION\tPATH")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			e.SavedAt.UTC().Format(time.RFC3339), e.ID, e.KeyFrames, e.MapPoints, e.Bytes, e.Compression, e.Path)
	}
	return tw.Flush()
}
