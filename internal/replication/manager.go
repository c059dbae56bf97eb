package replication

import (
	"log/slog"
	"sync"

	"ndb/internal/command"
	"ndb/internal/oplog"
)

// Manager owns the node's replication roles: the master side is always
// served, the slave side follows at most one upstream at a time.
type Manager struct {
	master *Master
	apply  Applier
	meta   *oplog.MetaLog
	cfg    SlaveConfig
	dial   DialFunc

	mu    sync.Mutex
	slave *Slave
}

func NewManager(master *Master, apply Applier, meta *oplog.MetaLog, cfg SlaveConfig) *Manager {
	return &Manager{
		master: master,
		apply:  apply,
		meta:   meta,
		cfg:    cfg,
		dial:   dialGRPC,
	}
}

func (m *Manager) Master() *Master { return m.master }

// SlaveOf retargets the slave. An empty addr turns the node back into a
// writable master without discarding data.
func (m *Manager) SlaveOf(addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.slave != nil {
		if m.slave.Addr() == addr {
			return nil
		}
		m.slave.Stop()
		m.slave = nil
	}
	if addr == "" {
		slog.Info("replication: acting as master")
		return nil
	}

	s := NewSlave(addr, m.cfg, m.apply, m.meta)
	s.dial = m.dial
	s.Start()
	m.slave = s
	return nil
}

func (m *Manager) Upstream() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slave == nil {
		return ""
	}
	return m.slave.Addr()
}

// SlaveState reports the slave session state, SlaveDisconnected on a master.
func (m *Manager) SlaveState() SlaveState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slave == nil {
		return SlaveDisconnected
	}
	return m.slave.State()
}

func (m *Manager) Info() []command.InfoField {
	m.mu.Lock()
	slave := m.slave
	m.mu.Unlock()

	var fields [][2]string
	if slave != nil {
		fields = append(fields, [2]string{"repl.master", slave.Addr()})
		fields = append(fields, slave.infoFields()...)
	} else {
		fields = append(fields, [2]string{"repl.master", ""})
		fields = append(fields, [2]string{"repl.checkpoint", m.meta.ReplCheckpoint().String()})
	}
	if m.master != nil {
		fields = append(fields, m.master.infoFields()...)
	}

	out := make([]command.InfoField, len(fields))
	for i, f := range fields {
		out[i] = command.InfoField{Key: f[0], Value: f[1]}
	}
	return out
}

func (m *Manager) Close() {
	if err := m.SlaveOf(""); err != nil {
		slog.Warn("stopping replication slave", "error", err)
	}
}
