package cmd

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ewpratten/protomask/internal/config"
	"github.com/ewpratten/protomask/internal/engine"
	"github.com/ewpratten/protomask/internal/log"
	"github.com/ewpratten/protomask/internal/metrics"
	"github.com/ewpratten/protomask/internal/rtnl"
	"github.com/ewpratten/protomask/internal/tun"
)

// runEngine is the shared body of the nat64 and clat subcommands.
func runEngine(mode engine.Mode) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	// The subcommand decides the mode; re-validate the sections it
	// actually uses.
	cfg.Mode = string(mode)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := log.Init(cfg.Log); err != nil {
		return err
	}
	log.Infof("starting protomask in %s mode", mode)

	if !rtnl.Available() {
		return fmt.Errorf("netlink is not available on this system")
	}

	e, err := buildEngine(mode, cfg)
	if err != nil {
		return err
	}

	// Reload persisted leases before the table is shared with workers.
	stateFile := cfg.NAT64.StateFile
	if mode == engine.ModeNAT64 && stateFile != "" {
		if _, statErr := os.Stat(stateFile); statErr == nil {
			if err := e.Table().LoadState(stateFile); err != nil {
				return err
			}
		}
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		metricsServer.Start()
	}

	dev, err := tun.New(cfg.TUN.Name, cfg.TUN.MTU)
	if err != nil {
		return err
	}
	routes, err := configureRoutes(mode, cfg, dev.Name())
	if err != nil {
		for _, route := range routes {
			if delErr := rtnl.RouteDel(dev.Name(), route); delErr != nil {
				log.WithError(delErr).Warnf("failed to remove route %s", route)
			}
		}
		dev.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, dev, cfg.TUN.MTU, cfg.TUN.Workers) }()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-shutdown:
		log.Infof("received %s, shutting down", sig)
	case err = <-done:
		if err != nil {
			log.WithError(err).Errorf("translation loop failed")
		}
	}

	cancel()
	for _, route := range routes {
		if delErr := rtnl.RouteDel(dev.Name(), route); delErr != nil {
			log.WithError(delErr).Warnf("failed to remove route %s", route)
		}
	}
	if closeErr := dev.Close(); closeErr != nil {
		log.WithError(closeErr).Warnf("failed to close TUN device")
	}

	if mode == engine.ModeNAT64 && stateFile != "" {
		if saveErr := e.Table().SaveState(stateFile); saveErr != nil {
			log.WithError(saveErr).Warnf("failed to persist nat table")
		} else {
			log.Infof("persisted nat table to %s", stateFile)
		}
	}

	if metricsServer != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if stopErr := metricsServer.Stop(stopCtx); stopErr != nil {
			log.WithError(stopErr).Warnf("failed to stop metrics server")
		}
	}
	return err
}

// buildEngine maps file configuration onto engine options.
func buildEngine(mode engine.Mode, cfg *config.Config) (*engine.Engine, error) {
	switch mode {
	case engine.ModeNAT64:
		statics := make([]engine.StaticMapping, 0, len(cfg.NAT64.StaticMappings))
		for _, m := range cfg.NAT64.StaticMappings {
			statics = append(statics, engine.StaticMapping{V4: m.V4, V6: m.V6})
		}
		return engine.New(engine.Options{
			Mode:           engine.ModeNAT64,
			Prefix:         cfg.NAT64.Prefix,
			Pool:           cfg.NAT64.Pool,
			StaticMappings: statics,
			MaxIdle:        time.Duration(cfg.NAT64.MaxIdleSeconds) * time.Second,
		})
	case engine.ModeCLAT:
		return engine.New(engine.Options{
			Mode:           engine.ModeCLAT,
			Prefix:         cfg.CLAT.EmbedPrefix,
			CustomerPrefix: cfg.CLAT.CustomerPrefix,
		})
	default:
		return engine.New(engine.Options{Mode: mode})
	}
}

// configureRoutes brings the TUN link up and points the translation
// prefixes at it. It returns the routes it installed so the shutdown
// path can remove them again.
func configureRoutes(mode engine.Mode, cfg *config.Config, ifname string) ([]netip.Prefix, error) {
	if err := rtnl.LinkUp(ifname, cfg.TUN.MTU); err != nil {
		return nil, err
	}

	var want []netip.Prefix
	switch mode {
	case engine.ModeNAT64:
		want = append(want, cfg.NAT64.Prefix)
		want = append(want, cfg.NAT64.Pool...)
	case engine.ModeCLAT:
		// The customer side sources its v4 traffic from the first
		// usable address of the customer prefix.
		if err := rtnl.AddrAdd(ifname, clatAddress(cfg.CLAT.CustomerPrefix)); err != nil {
			return nil, err
		}
		want = append(want, cfg.CLAT.EmbedPrefix, cfg.CLAT.CustomerPrefix)
	}

	var added []netip.Prefix
	for _, prefix := range want {
		if err := rtnl.RouteAdd(ifname, prefix); err != nil {
			return added, err
		}
		added = append(added, prefix)
	}
	return added, nil
}

// clatAddress picks the host address assigned to the CLAT interface:
// the first usable address of the customer prefix, as a /32.
func clatAddress(prefix netip.Prefix) netip.Prefix {
	addr := prefix.Masked().Addr()
	if prefix.Bits() <= 30 {
		addr = addr.Next()
	}
	return netip.PrefixFrom(addr, 32)
}
