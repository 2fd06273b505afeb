// Command bpagentd is the Bundle Protocol Agent Core daemon: it wires the
// Pending Bundle Index, Bundle Store, Registration Table, Custody Manager,
// Forwarding Engine, IPC Layer and External Router Channel described by
// spec.md's components into one running process, the way the teacher's own
// entrypoints (mirrored across dtn7-go, dtn7-gold) assemble their core.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"

	"github.com/dtn7/bpcore/bundle"
	"github.com/dtn7/bpcore/cla"
	"github.com/dtn7/bpcore/core"
	"github.com/dtn7/bpcore/custody"
	"github.com/dtn7/bpcore/externalrouter"
	"github.com/dtn7/bpcore/forwarding"
	"github.com/dtn7/bpcore/ipc"
	"github.com/dtn7/bpcore/registration"
	"github.com/dtn7/bpcore/routing"
	"github.com/dtn7/bpcore/storage"
)

func main() {
	configPath := flag.String("config", "bpagentd.toml", "path to the TOML bootstrap config")
	profileMode := flag.String("profile", "", "enable pkg/profile: cpu, mem, block, or empty to disable")
	flag.Parse()

	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if *profileMode != "" {
		stop := startProfiling(*profileMode)
		defer stop()
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("bpagentd exited with an error")
	}
}

func startProfiling(mode string) func() {
	var opt func(*profile.Profile)
	switch mode {
	case "cpu":
		opt = profile.CPUProfile
	case "mem":
		opt = profile.MemProfile
	case "block":
		opt = profile.BlockProfile
	default:
		return func() {}
	}
	stopper := profile.Start(opt, profile.ProfilePath("."))
	return stopper.Stop
}

func run(cfg Config, log *logrus.Logger) error {
	nodeID, err := bundle.NewEndpointID(cfg.NodeID)
	if err != nil {
		return fmt.Errorf("parsing node_id: %w", err)
	}

	store, err := storage.Open(storage.DefaultConfig(cfg.StoreDir), log)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	regs := registration.NewTable(log)
	claManager := cla.NewManager()
	router := routing.NewEpidemicRouting(claManager, log)

	engine := forwarding.NewEngine(router, forwarding.DefaultConfig(), log)
	defer engine.Close()

	custodyConfig := custody.DefaultConfig()
	custodyManager := custody.NewManager(custodyConfig, nil, engine, log)

	c := core.NewCore(nodeID, store, custodyManager, engine, regs, router, log)
	custodyManager.SetNotifier(c)
	custodyManager.SetSender(&coreSender{core: c})
	engine.SetBundleLookup(c.LookupPending)

	// Ticks faster than the accumulation window itself so a batch is never
	// held much past its expiry, implementing §4.5 condition (b) (the
	// window-expiry flush custody.Manager.FlushExpired computes but cannot
	// run on its own, having no ticker of its own).
	c.RegisterCronTask("flush-pending-acs", custodyConfig.AccumulationWindow/2, custodyManager.FlushExpired)

	for _, lc := range cfg.Links {
		remote, err := bundle.NewEndpointID(lc.Remote)
		if err != nil {
			log.WithError(err).WithField("link", lc.ID).Warn("skipping link with invalid remote eid")
			continue
		}
		engine.RegisterLink(forwarding.NewLink(lc.ID, remote, lc.CLATag))
	}

	for _, rc := range cfg.Registrations {
		pattern, err := bundle.NewEndpointIDPattern(rc.Pattern)
		if err != nil {
			log.WithError(err).WithField("pattern", rc.Pattern).Warn("skipping registration with invalid pattern")
			continue
		}
		regs.Add(pattern, parseKind(rc.Kind), parseFailure(rc.Failure), parseReplay(rc.Replay), rc.AckRequired)
	}

	c.Start()
	defer c.Close()

	ipcLn, err := net.Listen("tcp", cfg.IPCListenAddress)
	if err != nil {
		return fmt.Errorf("listening for ipc on %s: %w", cfg.IPCListenAddress, err)
	}
	defer ipcLn.Close()

	ipcBackend := ipc.NewAdapter(c, regs, store, log)
	ipcServer := ipc.NewServer(ipcLn, ipcBackend, log)
	go func() {
		if err := ipcServer.Serve(); err != nil {
			log.WithError(err).Debug("ipc server stopped")
		}
	}()
	defer ipcServer.Close()

	erLn, err := net.Listen("tcp", cfg.ExternalRouterListenAddress)
	if err != nil {
		return fmt.Errorf("listening for external router on %s: %w", cfg.ExternalRouterListenAddress, err)
	}
	defer erLn.Close()

	erBackend := newExternalRouterBackend(c, store, engine, log)
	erServer := externalrouter.NewServer(erLn, erBackend, log)
	go func() {
		if err := erServer.Serve(); err != nil {
			log.WithError(err).Debug("external router server stopped")
		}
	}()
	defer erServer.Close()

	var multicast *externalrouter.MulticastBroadcaster
	if cfg.MulticastDiscovery != nil {
		multicast, err = externalrouter.NewMulticastBroadcaster(cfg.MulticastDiscovery.Address, nil, erBackend, log)
		if err != nil {
			log.WithError(err).Warn("failed to start multicast discovery broadcaster")
		} else {
			go multicast.Run(10 * time.Second)
			defer multicast.Close()
		}
	}

	log.WithFields(logrus.Fields{
		"node_id":              cfg.NodeID,
		"ipc_address":          cfg.IPCListenAddress,
		"external_router_addr": cfg.ExternalRouterListenAddress,
	}).Info("bpagentd started")

	waitForShutdown(c, log)
	return nil
}

// waitForShutdown blocks until an interrupt/termination signal arrives,
// force-flushing any pending Aggregate Custody Signal batch on SIGHUP
// rather than waiting for the accumulation window (§4.5 condition (c)).
func waitForShutdown(c *core.Core, log *logrus.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for sig := range sigs {
		switch sig {
		case syscall.SIGHUP:
			log.Info("SIGHUP received, forcing an ACS flush")
			c.RequestACSFlush()
		default:
			log.WithField("signal", sig).Info("shutting down")
			return
		}
	}
}

// coreSender adapts core.Core to custody.Sender, letting the Custody
// Manager transmit ACS batches through the same admission path regular
// outbound traffic uses.
type coreSender struct {
	core *core.Core
}

func (s *coreSender) SendBundle(b bundle.Bundle) {
	s.core.SendBundle(b)
}
