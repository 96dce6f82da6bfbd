// Command slamctl inspects map snapshots, renders keyframe trajectories and
// queries the snapshot catalog.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
