package configuration

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"ndb/internal/logging"
)

var ErrConfig = errors.New("invalid configuration")

// Load reads the yaml file at path over the defaults. When app.profile is
// set, <name>-<profile><ext> next to it is applied on top. An empty path
// yields the defaults.
func Load(path string) (*Properties, error) {
	cfg := Default()

	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			slog.Error("Error parsing base config", "file", path, "error", err)
			return nil, err
		}

		if cfg.App.Profile != "" {
			profile := profilePath(path, cfg.App.Profile)
			if err := decodeFile(profile, cfg); err != nil {
				slog.Error("Error loading profile config", "file", profile, "error", err)
				return nil, err
			}
		}
	}

	if cfg.App.Node == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "ndb"
		}
		cfg.App.Node = host
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func profilePath(path, profile string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "-" + profile + ext
}

func decodeFile(path string, cfg *Properties) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}

	expanded, err := ExpandEnvStrict(string(raw))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConfig, path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Properties) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	if _, err := logging.ParseLevel(c.App.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("app.log-level: %v", err))
	}

	check(validAddr(c.Server.Listen), "server.listen: %q is not host:port", c.Server.Listen)
	check(c.Server.QueueSize > 0, "server.queue_size must be positive")
	check(c.Server.Timeout > 0, "server.timeout must be positive")
	check(c.Metrics.Listen == "" || validAddr(c.Metrics.Listen), "metrics.listen: %q is not host:port", c.Metrics.Listen)

	check(c.LevelDB.DBPath != "", "leveldb.dbpath is required")
	check(c.LevelDB.BlockSize > 0, "leveldb.block_size must be positive")
	check(c.LevelDB.CacheSize > 0, "leveldb.cache_size must be positive")
	check(c.LevelDB.WriteBufferSize > 0, "leveldb.write_buffer_size must be positive")
	check(c.LevelDB.MaxOpenFiles > 0, "leveldb.max_open_files must be positive")

	check(c.Oplog.Path != "", "oplog.path is required")
	check(c.Oplog.SegmentSize >= 64, "oplog.segment_size must be at least 64 bytes")
	check(c.Oplog.SegmentCnt >= 1, "oplog.segment_cnt must be at least 1")
	if c.Oplog.Path != "" && c.LevelDB.DBPath != "" {
		check(filepath.Clean(c.Oplog.Path) != filepath.Clean(c.LevelDB.DBPath), "oplog.path and leveldb.dbpath must differ")
	}

	check(c.Repl.Master == "" || validAddr(c.Repl.Master), "repl.master: %q is not host:port", c.Repl.Master)
	check(c.Repl.ConnectTimeout > 0, "repl.connect_timeout must be positive")
	check(c.Repl.ConnectRetry >= 1, "repl.connect_retry must be at least 1")
	check(c.Repl.SendBuffer > 0, "repl.send_buffer must be positive")
	check(c.Repl.BacklogLimit > 0, "repl.backlog_limit must be positive")

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfig, errors.Join(errs...))
	}
	return nil
}

func validAddr(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	return err == nil && port != ""
}
