// rsclient is a minimal range server: it registers a location with the
// master and keeps renewing its lease until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rangemaster/internal/wire"
	"rangemaster/pkg/discovery"
	"rangemaster/pkg/mastererr"

	"github.com/cenkalti/backoff"
)

const maxFrame = 64 * 1024

func main() {
	master := flag.String("master", "", "master wire address; browse mDNS when empty")
	location := flag.String("location", "", "location to register under (required)")
	interval := flag.Duration("interval", 0, "heartbeat interval; defaults to a third of the lease")
	service := flag.String("service", "_rangemaster._tcp", "mDNS service to browse")
	flag.Parse()

	if *location == "" {
		fmt.Println("-location is required")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	addr := *master
	if addr == "" {
		var err error
		if addr, err = findMaster(ctx, *service); err != nil {
			slog.Error("Failed to find master", "error", err)
			os.Exit(1)
		}
	}

	rs := &rangeServer{addr: addr, location: *location, interval: *interval}
	if err := rs.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("range server stopped", "error", err)
		os.Exit(1)
	}
}

func findMaster(ctx context.Context, service string) (string, error) {
	found, err := discovery.Browse(ctx, service, 3*time.Second)
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", fmt.Errorf("no master advertising %s", service)
	}
	slog.Info("master discovered", "instance", found[0].Instance, "id", found[0].MasterID, "addr", found[0].Addr)
	return found[0].Addr, nil
}

type rangeServer struct {
	addr     string
	location string
	interval time.Duration
}

// run keeps a session with the master alive, reconnecting with backoff.
func (rs *rangeServer) run(ctx context.Context) error {
	for {
		b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
		var client *wire.Client
		err := backoff.Retry(func() error {
			c, err := wire.Dial(ctx, rs.addr, maxFrame)
			if err != nil {
				slog.Warn("connect failed", "addr", rs.addr, "error", err)
				return err
			}
			client = c
			return nil
		}, b)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return err
		}

		err = rs.session(ctx, client)
		_ = client.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, mastererr.ErrInvalidArgument) {
			return err
		}
		slog.Warn("session lost, reconnecting", "error", err)
	}
}

// session registers and then heartbeats over one connection.
func (rs *rangeServer) session(ctx context.Context, client *wire.Client) error {
	res, err := rs.register(ctx, client)
	if err != nil {
		return err
	}

	interval := rs.interval
	if interval <= 0 {
		interval = res.Lease / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-client.Done():
			return wire.ErrClientClosed
		case <-ticker.C:
			next, err := rs.register(ctx, client)
			if err != nil {
				return err
			}
			if next.Generation != res.Generation {
				slog.Warn("generation changed, lease had lapsed",
					"from", res.Generation, "to", next.Generation)
			}
			res = next
		}
	}
}

func (rs *rangeServer) register(ctx context.Context, client *wire.Client) (wire.RegisterResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := client.RegisterServer(callCtx, rs.location)
	if err != nil {
		return res, fmt.Errorf("register %s: %w", rs.location, err)
	}
	slog.Info("registered", "location", rs.location, "server_id", res.ServerID,
		"generation", res.Generation, "lease", res.Lease, "local", client.LocalAddr())
	return res, nil
}
