// Command fusionctl runs the L2 sensor-fusion controller: it wires the
// message bus, the configured fusion algorithm, and the concurrency
// substrate together, then exposes a small interactive command loop on
// stdin for operating the running controller.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/dp-aero/l2fusion/internal/bus"
	"github.com/dp-aero/l2fusion/internal/config"
	"github.com/dp-aero/l2fusion/internal/eventlog"
	"github.com/dp-aero/l2fusion/internal/fusion"
	"github.com/dp-aero/l2fusion/internal/monitoring"
	"github.com/dp-aero/l2fusion/internal/targettracking"
	"github.com/dp-aero/l2fusion/internal/version"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if cfg.Debug {
		monitoring.SetLogger(func(format string, v ...interface{}) {
			fmt.Fprintf(os.Stderr, "[debug] "+format+"\n", v...)
		})
	}

	registry := fusion.NewAlgorithmRegistry()
	if err := registry.Register("TargetTrackingAlgorithm", func() fusion.FusionAlgorithm {
		return targettracking.New()
	}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	algorithm, err := registry.Create(cfg.Algorithm)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fusionctl: %v (algorithm %q)\n", err, cfg.Algorithm)
		return 1
	}

	busClient := bus.NewClient()
	managerCfg := fusion.DefaultManagerConfig()
	managerCfg.NodeTimeout = cfg.NodeTimeout
	managerCfg.TickInterval = cfg.UpdateInterval
	managerCfg.Workers = cfg.Workers

	manager := fusion.NewFusionManager(busClient, managerCfg)
	if err := manager.SetAlgorithm(algorithm); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	var auditLog *eventlog.Store
	if cfg.EventLogPath != "" {
		auditLog, err = eventlog.Open(cfg.EventLogPath, cfg.EventLogMigrations)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer auditLog.Close()
		// The audit subscription runs on a goroutine that is never stopped
		// or joined: auditRunning stays true, so it ends only when the
		// process exits.
		auditRunning := true
		go busClient.Subscribe(managerCfg.L2ToL1Topic, func(record bus.Record) {
			msg, ok := record.Payload.(fusion.OutboundMessage)
			if !ok {
				return
			}
			rec, err := eventlog.RecordFromOutbound(msg)
			if err != nil {
				monitoring.Logf("fusionctl: %v", err)
				return
			}
			if err := auditLog.Append(rec); err != nil {
				monitoring.Logf("fusionctl: %v", err)
			}
		}, func() bool { return auditRunning })
	}

	if err := manager.Start(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	fmt.Printf("fusionctl %s (%s, built %s) — algorithm %q, redis-url %s\n",
		version.Version, version.GitSHA, version.BuildTime, cfg.Algorithm, cfg.RedisURL)
	fmt.Println("commands: stats | nodes | reset | trigger <event> | quit")

	runCommandLoop(manager)

	manager.Stop()
	return 0
}

func runCommandLoop(manager *fusion.FusionManager) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "stats":
			printStats(manager)
		case "nodes":
			printNodes(manager)
		case "reset":
			manager.TriggerEvent("reset", nil)
			fmt.Println("reset triggered")
		case "trigger":
			if len(fields) < 2 {
				fmt.Println("usage: trigger <event>")
				continue
			}
			manager.TriggerEvent(fields[1], nil)
			fmt.Printf("triggered %q\n", fields[1])
		case "quit", "exit":
			return
		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
}

func printStats(manager *fusion.FusionManager) {
	stats := manager.Stats()
	fmt.Printf("state=%s active_nodes=%d processed=%d sent=%d dropped=%d uptime=%s last_bus_error=%v\n",
		stats.AlgorithmState, stats.ActiveNodes, stats.MessagesProcessed, stats.MessagesSent,
		stats.MessagesDropped, stats.Uptime, stats.LastBusError)
}

func printNodes(manager *fusion.FusionManager) {
	nodes := manager.NodeRegistry().ListAll()
	if len(nodes) == 0 {
		fmt.Println("no known nodes")
		return
	}
	for _, n := range nodes {
		fmt.Printf("%s type=%s\n", n.NodeID, n.Type)
	}
}
