package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nodeplane/fleetcore/discovery"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Scan a network range for candidate nodes and print results as JSON",
	RunE:  runDiscover,
}

func init() {
	discoverCmd.Flags().String("cidr", "", "CIDR block to scan, e.g. 10.0.0.0/24")
	discoverCmd.Flags().String("range-start", "", "first host of an address range to scan")
	discoverCmd.Flags().String("range-end", "", "last host of an address range to scan")
	discoverCmd.Flags().Bool("local", false, "scan this host's local network interfaces instead of a given range")
	discoverCmd.Flags().Bool("deep", false, "enable banner-read and HTTP Server-header fingerprinting")
	discoverCmd.Flags().Bool("include-localhost", false, "include loopback addresses in the scan")
	discoverCmd.Flags().Int("max-concurrent", discovery.DefaultMaxConcurrent, "maximum concurrent host probes")
	discoverCmd.Flags().Duration("timeout", 0, "per-port connect timeout (defaults to the engine's own default)")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger("fleetcored-discover", cfg)
	if err != nil {
		return err
	}

	cidr, _ := cmd.Flags().GetString("cidr")
	rangeStart, _ := cmd.Flags().GetString("range-start")
	rangeEnd, _ := cmd.Flags().GetString("range-end")
	local, _ := cmd.Flags().GetBool("local")
	deep, _ := cmd.Flags().GetBool("deep")
	includeLocalhost, _ := cmd.Flags().GetBool("include-localhost")
	maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	scanCfg := discovery.DefaultConfig()
	scanCfg.DeepScan = deep
	scanCfg.IncludeLocalhost = includeLocalhost
	if maxConcurrent > 0 {
		scanCfg.MaxConcurrent = maxConcurrent
	}
	if timeout > 0 {
		scanCfg.Timeout = timeout
	}

	engine := discovery.New(logger)
	ctx := context.Background()

	progress := func(current, total int, message string) {
		fmt.Fprintf(os.Stderr, "[%d/%d] %s\n", current, total, message)
	}

	nodes, err := runScan(ctx, engine, cidr, rangeStart, rangeEnd, local, scanCfg, progress)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(nodes)
}

func runScan(ctx context.Context, engine *discovery.Engine, cidr, rangeStart, rangeEnd string, local bool, scanCfg discovery.Config, progress discovery.ProgressFunc) (interface{}, error) {
	switch {
	case local:
		return engine.ScanLocalNetworks(ctx, scanCfg, progress)
	case cidr != "":
		return engine.ScanCIDR(ctx, cidr, scanCfg, progress)
	case rangeStart != "" && rangeEnd != "":
		return engine.ScanRange(ctx, rangeStart, rangeEnd, scanCfg, progress)
	default:
		return nil, fmt.Errorf("discover: one of --cidr, --range-start/--range-end, or --local is required")
	}
}
