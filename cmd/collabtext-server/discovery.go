package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"

	"collabtext/internal/config"
)

const browseWindow = 15 * time.Second

// advertise announces the server over mDNS until ctx ends and logs the
// other servers it sees in the first browse window.
func advertise(ctx context.Context, c config.MDNSConfig, listen string, logger *slog.Logger) error {
	_, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return fmt.Errorf("mdns: listen address %q: %w", listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("mdns: port %q: %w", portStr, err)
	}
	instance := c.Instance
	if instance == "" {
		host, _ := os.Hostname()
		instance = "CollabText-" + host
	}

	server, err := zeroconf.Register(instance, c.Service, "local.", port, []string{"txtv=0"}, nil)
	if err != nil {
		return fmt.Errorf("mdns: register: %w", err)
	}
	defer server.Shutdown()
	logger.Info("mDNS service registered", "instance", instance, "service", c.Service, "port", port)

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		logger.Warn("mDNS resolver unavailable", "error", err)
		<-ctx.Done()
		return nil
	}
	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			if entry.Instance == instance {
				continue
			}
			logger.Info("mDNS discovered peer", "instance", entry.Instance, "addrs", entry.AddrIPv4, "port", entry.Port)
		}
	}()
	browseCtx, cancel := context.WithTimeout(ctx, browseWindow)
	defer cancel()
	if err := resolver.Browse(browseCtx, c.Service, "local.", entries); err != nil {
		logger.Warn("mDNS browse failed", "error", err)
	}
	<-ctx.Done()
	return nil
}
