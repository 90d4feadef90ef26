package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "threadline",
		Short: "Link AI analyses of social sources into topic chains and serve windowed reports",
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())
	root.AddCommand(ingestCmd())
	root.AddCommand(chainsCmd())
	root.AddCommand(reportCmd())
	root.AddCommand(sourceCmd())

	return root
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port, false)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start daemon with HTTP server and chain-status sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port, true)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func ingestCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest analysis payloads from a JSON-lines file or stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(file)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "JSON-lines input (default: stdin)")
	return cmd
}

func chainsCmd() *cobra.Command {
	var (
		sourceID   string
		status     string
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "chains",
		Short: "List topic chains",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChains(sourceID, status, limit, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&sourceID, "source", "", "filter by source id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active/dormant/closed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max chains to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func reportCmd() *cobra.Command {
	var (
		sourceID   string
		scenarioID string
		days       int
		groupBy    string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "report {trends|topics|providers|mix|engagement}",
		Short: "Run one aggregate report and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(args[0], sourceID, scenarioID, days, groupBy, limit)
		},
	}

	cmd.Flags().StringVar(&sourceID, "source", "", "filter by source id")
	cmd.Flags().StringVar(&scenarioID, "scenario", "", "filter by scenario id")
	cmd.Flags().IntVar(&days, "days", 30, "window size in days")
	cmd.Flags().StringVar(&groupBy, "group-by", "day", "trend bucket size (day/week)")
	cmd.Flags().IntVar(&limit, "limit", 10, "max topics (topics report)")
	return cmd
}

func sourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Manage the source registry",
	}

	var name string
	var inactive bool
	add := &cobra.Command{
		Use:   "add <source-id>",
		Short: "Register a monitored source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSourceAdd(args[0], name, !inactive)
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().BoolVar(&inactive, "inactive", false, "register as inactive")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSourceList()
		},
	}

	cmd.AddCommand(add)
	cmd.AddCommand(list)
	return cmd
}
