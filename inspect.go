package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"tclog/binlog"
	"tclog/bwal"
	"tclog/xidlog"
)

var (
	dumpBase string
	dumpFrom uint64

	purgeBase   string
	purgeDryRun bool
)

func newDumpCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "dump <dir>",
		Short: "Print the events of the binlog files in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := bwal.NewSegmentFS(args[0], bwal.Options{BaseName: dumpBase})
			return binlog.ReadEvents(fs, dumpFrom, nil, func(e *binlog.Event, pos bwal.Position) error {
				fmt.Printf("%-16v %v\n", pos, e)
				return nil
			})
		},
	}
	m.Flags().StringVar(&dumpBase, "base", "binlog", "base name of the binlog files")
	m.Flags().Uint64Var(&dumpFrom, "from", 0, "first file to print")
	return m
}

func newXidsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "xids <tc.log>",
		Short: "Print the XIDs still logged in an xid log file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			xids, err := xidlog.ReadXIDs(args[0])
			if err != nil {
				return err
			}

			sort.Slice(xids, func(i, j int) bool { return xids[i] < xids[j] })
			for _, x := range xids {
				fmt.Println(x)
			}
			fmt.Printf("%d live xids\n", len(xids))
			return nil
		},
	}
}

func newPurgeCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "purge <dir>",
		Short: "Remove binlog files crash recovery no longer needs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := bwal.NewSegmentFS(args[0], bwal.Options{BaseName: purgeBase})
			from, err := binlog.NeededFrom(fs, nil)
			if err != nil {
				return err
			}

			if purgeDryRun {
				fmt.Printf("files before %s can be purged\n", fs.Name(from))
				return nil
			}
			n, err := fs.Remove(from)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d files before %s\n", n, fs.Name(from))
			return nil
		},
	}
	m.Flags().StringVar(&purgeBase, "base", "binlog", "base name of the binlog files")
	m.Flags().BoolVar(&purgeDryRun, "dry-run", false, "only print the first file still needed")
	return m
}
