// Command kpsk is the node command line: prepare videos for distribution,
// serve them, and find and fetch videos from other nodes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/knapsack-vid/knapsack"
	"github.com/knapsack-vid/knapsack/internal/config"
	"github.com/knapsack-vid/knapsack/pkg/types"
)

var (
	flagConfig   string
	flagDataDir  string
	flagSeeds    []string
	flagLogLevel string
)

func main() {
	root := &cobra.Command{
		Use:           "kpsk",
		Short:         "peer-to-peer video distribution node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "config.yaml", "path to the YAML config file")
	root.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory (overrides config)")
	root.PersistentFlags().StringSliceVar(&flagSeeds, "seed", nil, "bootstrap seed address (repeatable, overrides config)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(prepCmd(), addCmd(), findCmd(), viewCmd(), serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadNode builds a Node from the config file plus flag overrides.
func loadNode() (*knapsack.Node, error) {
	conf, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDataDir != "" {
		conf.DataDir = flagDataDir
	}
	if len(flagSeeds) > 0 {
		conf.BootstrapSeeds = flagSeeds
	}
	if flagLogLevel != "" {
		conf.LogLevel = flagLogLevel
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", conf.LogLevel, err)
	}
	log.SetLevel(level)

	return knapsack.New(knapsack.Config{
		DataDir:                   conf.DataDir,
		MinimumFreeGB:             conf.MinimumFreeGB,
		OverlayListenAddr:         conf.OverlayListenAddr,
		ExchangeListenAddr:        conf.ExchangeAddr,
		AdvertiseAddr:             conf.AdvertiseAddr,
		BootstrapSeeds:            conf.BootstrapSeeds,
		GarbageCollectionInterval: conf.GCInterval(),
		Logger:                    log,
	})
}

func prepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prep <video-file>",
		Short: "chunk a video into the local store and write its sidecar metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := loadNode()
			if err != nil {
				return err
			}
			defer node.Close()

			meta, err := node.Prepare(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Prepared %q\n", meta.Title)
			fmt.Printf("  id:     %s\n", meta.ID)
			fmt.Printf("  chunks: %d\n", len(meta.Chunks))
			fmt.Printf("  size:   %d bytes\n", meta.TotalSize())
			fmt.Printf("  meta:   %s.json\n", args[0])
			return nil
		},
	}
}

func addCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <video-file>",
		Short: "prepare a video and serve it to the network until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := loadNode()
			if err != nil {
				return err
			}
			defer node.Close()

			ctx := cmd.Context()
			if err := node.Start(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}

			// A sidecar from an earlier prep on this data dir means the
			// chunks are already stored; skip re-chunking in that case.
			meta, err := knapsack.LoadSidecar(args[0] + ".json")
			if err == nil {
				if complete, cerr := node.Store().HasAllChunks(meta.ID); cerr != nil || !complete {
					meta, err = node.Prepare(args[0])
				}
			} else {
				meta, err = node.Prepare(args[0])
			}
			if err != nil {
				return err
			}
			if err := node.Advertise(ctx, meta.ID); err != nil {
				return err
			}
			fmt.Printf("Serving %q as %s\n", meta.Title, meta.ID)
			return waitForInterrupt(ctx)
		},
	}
}

func findCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "find <query>",
		Short: "search the network for videos by title or description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := loadNode()
			if err != nil {
				return err
			}
			defer node.Close()

			if err := node.Start(cmd.Context()); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}

			results, err := node.Search(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("No matches.")
				return nil
			}
			for _, meta := range results {
				fmt.Printf("%s  %q  %d chunks  %.1fs\n",
					meta.ID, meta.Title, len(meta.Chunks), meta.Duration)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of results")
	return cmd
}

func viewCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "view <video-id>",
		Short: "fetch a video from the network and write it to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			videoID, err := types.HashFromHex(args[0])
			if err != nil {
				return fmt.Errorf("invalid video id: %w", err)
			}

			node, err := loadNode()
			if err != nil {
				return err
			}
			defer node.Close()

			if err := node.Start(cmd.Context()); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}

			meta, err := node.Acquire(cmd.Context(), videoID)
			if err != nil {
				return err
			}

			out := output
			if out == "" {
				out = meta.Title
			}
			if err := node.Export(videoID, out); err != nil {
				return err
			}
			fmt.Printf("Wrote %q (%d bytes) to %s\n", meta.Title, meta.TotalSize(), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (defaults to the video title)")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run a node serving all stored videos until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := loadNode()
			if err != nil {
				return err
			}
			defer node.Close()

			ctx := cmd.Context()
			if err := node.Start(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
			fmt.Printf("Node %s serving on %s (overlay %s)\n",
				node.ID().Short(), node.ExchangeAddr(), node.OverlayAddr())
			return waitForInterrupt(ctx)
		},
	}
}

func waitForInterrupt(ctx context.Context) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	fmt.Println("\nShutting down.")
	return nil
}
