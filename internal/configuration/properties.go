package configuration

import "time"

type Properties struct {
	App     AppProperties     `yaml:"app"`
	Server  ServerProperties  `yaml:"server"`
	Metrics MetricsProperties `yaml:"metrics"`
	LevelDB LevelDBProperties `yaml:"leveldb"`
	Oplog   OplogProperties   `yaml:"oplog"`
	Repl    ReplProperties    `yaml:"repl"`
}

type AppProperties struct {
	Profile  string `yaml:"profile"`
	LogLevel string `yaml:"log-level"`
	LogFile  string `yaml:"log-file"`
	// Node names this server in replication handshakes. Defaults to the
	// host name.
	Node string `yaml:"node"`
}

type ServerProperties struct {
	Listen    string `yaml:"listen"`
	QueueSize int    `yaml:"queue_size"`
	Timeout   uint64 `yaml:"timeout"`
	// ExpireInterval is how often a master sweeps expired keys. 0 disables
	// sweeping; expired keys are still hidden from readers.
	ExpireInterval uint64 `yaml:"expire_interval"`
}

type MetricsProperties struct {
	Listen string `yaml:"listen"`
}

type LevelDBProperties struct {
	DBPath             string `yaml:"dbpath"`
	BlockSize          int    `yaml:"block_size"`
	CacheSize          int    `yaml:"cache_size"`
	WriteBufferSize    int    `yaml:"write_buffer_size"`
	Compression        bool   `yaml:"compression"`
	ReadVerifyChecksum bool   `yaml:"read_verify_checksum"`
	WriteSync          bool   `yaml:"write_sync"`
	MaxOpenFiles       int    `yaml:"max_open_files"`
	CompactInterval    uint64 `yaml:"compact_interval"`
}

type OplogProperties struct {
	Enable      bool   `yaml:"enable"`
	Path        string `yaml:"path"`
	SegmentSize int64  `yaml:"segment_size"`
	SegmentCnt  int    `yaml:"segment_cnt"`
	Sync        bool   `yaml:"sync"`
}

type ReplProperties struct {
	Master         string `yaml:"master"`
	ConnectTimeout uint64 `yaml:"connect_timeout"`
	ConnectRetry   int    `yaml:"connect_retry"`
	SleepTime      uint64 `yaml:"sleep_time"`
	SendBuffer     int    `yaml:"send_buffer"`
	BacklogLimit   int    `yaml:"backlog_limit"`
}

// Millisecond values are kept as plain integers in yaml.

func (c *ServerProperties) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

func (c *ServerProperties) ExpireEvery() time.Duration {
	return time.Duration(c.ExpireInterval) * time.Millisecond
}

func (c *LevelDBProperties) CompactEvery() time.Duration {
	return time.Duration(c.CompactInterval) * time.Millisecond
}

func (c *ReplProperties) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Millisecond
}

func (c *ReplProperties) SleepDuration() time.Duration {
	return time.Duration(c.SleepTime) * time.Millisecond
}

// Default returns the configuration used for every key a file leaves out.
func Default() *Properties {
	return &Properties{
		App: AppProperties{
			LogLevel: "info",
			LogFile:  "stdout",
		},
		Server: ServerProperties{
			Listen:         "0.0.0.0:5527",
			QueueSize:      1024,
			Timeout:        5000,
			ExpireInterval: 1000,
		},
		LevelDB: LevelDBProperties{
			DBPath:          "data/db",
			BlockSize:       32 * 1024,
			CacheSize:       1024 * 1024,
			WriteBufferSize: 1024 * 1024,
			MaxOpenFiles:    1000,
		},
		Oplog: OplogProperties{
			Enable:      true,
			Path:        "data/oplog",
			SegmentSize: 1024 * 1024,
			SegmentCnt:  100,
		},
		Repl: ReplProperties{
			ConnectTimeout: 1000,
			ConnectRetry:   2,
			SleepTime:      200,
			SendBuffer:     1024,
			BacklogLimit:   65536,
		},
	}
}
