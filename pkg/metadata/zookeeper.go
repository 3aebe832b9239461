package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"rangemaster/pkg/config"
	"rangemaster/pkg/registry"

	"github.com/cenkalti/backoff"
	"github.com/go-zookeeper/zk"
)

// Layout under root:
//
//	<root>/servers/s-<escaped location>   encoded ServerRecord
//	<root>/next_server_id                  decimal id ceiling
const (
	serversNode   = "servers"
	ceilingNode   = "next_server_id"
	recordPrefix  = "s-"
	connectWait   = 10 * time.Second
	casMaxRetries = 8
)

// ZKStore keeps records in ZooKeeper. Writes to the id ceiling use versioned
// sets so two masters can never hand out the same block.
type ZKStore struct {
	conn     *zk.Conn
	rootPath string
	log      *slog.Logger
}

type zkLogger struct {
	log *slog.Logger
}

func (l zkLogger) Printf(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

// NewZKStore connects and creates the node layout.
// servers: ["zk1:2181", "zk2:2181"]
func NewZKStore(cfg config.MetadataConfig, log *slog.Logger) (*ZKStore, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "zk-metadata")

	conn, _, err := zk.Connect(cfg.ZKServers, cfg.SessionTimeout, zk.WithLogger(zkLogger{log: log}))
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	s := &ZKStore{
		conn:     conn,
		rootPath: strings.TrimSuffix(cfg.RootPath, "/"),
		log:      log,
	}

	if err := s.waitConnected(connectWait); err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.ensurePath(s.serversPath()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure servers path: %w", err)
	}
	log.Info("connected to zookeeper", "servers", cfg.ZKServers, "root", s.rootPath)
	return s, nil
}

func (s *ZKStore) Close() error {
	s.conn.Close()
	return nil
}

func (s *ZKStore) serversPath() string {
	return s.rootPath + "/" + serversNode
}

func (s *ZKStore) recordPath(location string) string {
	// znode names cannot contain '/' and cannot be "." or ".."
	return s.serversPath() + "/" + recordPrefix + url.PathEscape(location)
}

func (s *ZKStore) ceilingPath() string {
	return s.rootPath + "/" + ceilingNode
}

func (s *ZKStore) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := s.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = s.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

func (s *ZKStore) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := s.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func (s *ZKStore) LoadRecords(ctx context.Context) ([]registry.ServerRecord, error) {
	children, _, err := s.conn.Children(s.serversPath())
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	sort.Strings(children)

	out := make([]registry.ServerRecord, 0, len(children))
	for _, name := range children {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !strings.HasPrefix(name, recordPrefix) {
			continue
		}
		data, _, err := s.conn.Get(s.serversPath() + "/" + name)
		if errors.Is(err, zk.ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("zk get %s: %w", name, err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *ZKStore) PutRecord(ctx context.Context, rec registry.ServerRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	path := s.recordPath(rec.Location)

	_, err = s.conn.Set(path, data, -1)
	if errors.Is(err, zk.ErrNoNode) {
		_, err = s.conn.Create(path, data, 0, zk.WorldACL(zk.PermAll))
		if errors.Is(err, zk.ErrNodeExists) {
			_, err = s.conn.Set(path, data, -1)
		}
	}
	if err != nil {
		return fmt.Errorf("zk put %q: %w", rec.Location, err)
	}
	return nil
}

func (s *ZKStore) DeleteRecord(ctx context.Context, location string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.conn.Delete(s.recordPath(location), -1)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("zk delete %q: %w", location, err)
	}
	return nil
}

// ReserveIDs bumps the ceiling with a compare-and-set on the znode version,
// retrying with backoff when another writer got there first.
func (s *ZKStore) ReserveIDs(ctx context.Context, n uint64) (uint64, uint64, error) {
	var from, to uint64

	op := func() error {
		cur, version, err := s.readCeiling()
		if err != nil {
			return err
		}
		next := cur + n
		data := []byte(strconv.FormatUint(next, 10))

		if version < 0 {
			_, err = s.conn.Create(s.ceilingPath(), data, 0, zk.WorldACL(zk.PermAll))
		} else {
			_, err = s.conn.Set(s.ceilingPath(), data, version)
		}
		if err != nil {
			return err
		}
		from, to = cur, next
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	err := backoff.Retry(func() error {
		err := op()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, zk.ErrBadVersion), errors.Is(err, zk.ErrNodeExists), errors.Is(err, zk.ErrConnectionClosed):
			s.log.Debug("id ceiling update raced, retrying", "error", err)
			return err
		default:
			return backoff.Permanent(err)
		}
	}, backoff.WithContext(backoff.WithMaxRetries(b, casMaxRetries), ctx))
	if err != nil {
		return 0, 0, fmt.Errorf("reserve server ids: %w", err)
	}

	s.log.Info("reserved server id block", "from", from+1, "to", to)
	return from, to, nil
}

// readCeiling returns the persisted ceiling and its znode version, or
// version -1 if the node does not exist yet.
func (s *ZKStore) readCeiling() (uint64, int32, error) {
	data, stat, err := s.conn.Get(s.ceilingPath())
	if errors.Is(err, zk.ErrNoNode) {
		return 0, -1, nil
	}
	if err != nil {
		return 0, 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("corrupt id ceiling %q: %w", data, err)
	}
	return v, stat.Version, nil
}
