// Package discovery advertises the master's wire endpoint over mDNS so range
// servers on the same network segment can find it without configuration.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"rangemaster/pkg/config"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"
)

const (
	domain       = "local."
	protoVersion = "rangemaster/1"
)

// Endpoint is a master found on the network.
type Endpoint struct {
	Instance string
	MasterID string
	Addr     string
}

// Advertiser publishes one mDNS service record for the lifetime of the master.
type Advertiser struct {
	cfg    config.DiscoveryConfig
	id     string
	log    *slog.Logger
	server *zeroconf.Server
}

func NewAdvertiser(cfg config.DiscoveryConfig, log *slog.Logger) *Advertiser {
	if log == nil {
		log = slog.Default()
	}
	return &Advertiser{
		cfg: cfg,
		id:  uuid.NewString(),
		log: log.With("component", "mdns"),
	}
}

// ID is the random identity put in the TXT record, fresh per process.
func (a *Advertiser) ID() string {
	return a.id
}

// Start registers the service for the given wire port.
func (a *Advertiser) Start(port int) error {
	server, err := zeroconf.Register(
		a.cfg.Instance,
		a.cfg.Service,
		domain,
		port,
		[]string{"id=" + a.id, "proto=" + protoVersion},
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register zeroconf server: %w", err)
	}
	a.server = server
	a.log.Info("mDNS service registered", "instance", a.cfg.Instance, "service", a.cfg.Service, "port", port)
	return nil
}

func (a *Advertiser) Shutdown() {
	if a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
	a.log.Info("mDNS service withdrawn")
}

// Browse looks for masters advertising service until timeout or ctx is done.
func Browse(ctx context.Context, service string, timeout time.Duration) ([]Endpoint, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan []Endpoint, 1)
	go func() {
		var out []Endpoint
		for entry := range entries {
			if ep, ok := endpointFromEntry(entry); ok {
				out = append(out, ep)
			}
		}
		found <- out
	}()

	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse services: %w", err)
	}
	<-ctx.Done()
	return <-found, nil
}

func endpointFromEntry(entry *zeroconf.ServiceEntry) (Endpoint, bool) {
	meta := make(map[string]string, len(entry.Text))
	for _, txt := range entry.Text {
		if k, v, ok := strings.Cut(txt, "="); ok {
			meta[k] = v
		}
	}
	if meta["proto"] != protoVersion || meta["id"] == "" {
		return Endpoint{}, false
	}

	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return Endpoint{}, false
	}

	return Endpoint{
		Instance: entry.Instance,
		MasterID: meta["id"],
		Addr:     net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)),
	}, true
}
