package storage

import (
	"errors"
	"log/slog"

	"ndb/internal/metrics"
)

const clearBatchSize = 1024

type Service struct {
	store *Store
}

func NewService(o Options) (*Service, error) {
	store, err := OpenStore(o)
	if err != nil {
		return nil, err
	}
	return &Service{store: store}, nil
}

// Get returns the stored item whether or not it has expired; expiry is the
// caller's decision.
func (s *Service) Get(key []byte) (Item, error) {
	metrics.StorageOperationsTotal.WithLabelValues("get").Inc()
	item, err := s.store.Get(key)
	s.observe("get", err)
	return item, err
}

func (s *Service) Has(key []byte) (bool, error) {
	metrics.StorageOperationsTotal.WithLabelValues("has").Inc()
	ok, err := s.store.Has(key)
	s.observe("has", err)
	return ok, err
}

func (s *Service) Set(key, value []byte) error {
	metrics.StorageOperationsTotal.WithLabelValues("set").Inc()
	err := s.store.Put(key, Item{Value: value}, false)
	s.observe("set", err)
	return err
}

func (s *Service) Delete(key []byte) error {
	metrics.StorageOperationsTotal.WithLabelValues("delete").Inc()
	err := s.store.Remove(key, false)
	s.observe("delete", err)
	return err
}

// Apply writes an idempotent mutation. With sync set the engine journal is
// flushed to stable storage together with every write before it.
func (s *Service) Apply(deleted bool, key []byte, item Item, sync bool) error {
	if deleted {
		metrics.StorageOperationsTotal.WithLabelValues("delete").Inc()
		err := s.store.Remove(key, sync)
		s.observe("delete", err)
		return err
	}

	metrics.StorageOperationsTotal.WithLabelValues("set").Inc()
	err := s.store.Put(key, item, sync)
	s.observe("set", err)
	return err
}

// Load stores a group of full sync entries at once.
func (s *Service) Load(pairs []Pair, sync bool) error {
	if len(pairs) == 0 {
		return nil
	}
	metrics.StorageOperationsTotal.WithLabelValues("load").Add(float64(len(pairs)))
	err := s.store.PutBatch(pairs, sync)
	s.observe("load", err)
	return err
}

func (s *Service) Scan(start []byte, visit Visitor) error {
	metrics.StorageOperationsTotal.WithLabelValues("scan").Inc()
	err := s.store.Scan(start, visit)
	s.observe("scan", err)
	return err
}

func (s *Service) Snapshot() (*Snapshot, error) {
	metrics.StorageOperationsTotal.WithLabelValues("snapshot").Inc()
	snap, err := s.store.Snapshot()
	s.observe("snapshot", err)
	return snap, err
}

func (s *Service) Clear() error {
	metrics.StorageOperationsTotal.WithLabelValues("clear").Inc()
	removed, err := s.store.Clear(clearBatchSize)
	s.observe("clear", err)
	slog.Info("cleared storage", "removed", removed)
	return err
}

func (s *Service) Compact() error {
	metrics.StorageOperationsTotal.WithLabelValues("compact").Inc()
	err := s.store.Compact()
	s.observe("compact", err)
	return err
}

func (s *Service) Close() error {
	return s.store.Close()
}

func (s *Service) observe(op string, err error) {
	if err == nil || errors.Is(err, ErrNotFound) {
		return
	}
	metrics.StorageErrorsTotal.WithLabelValues(op).Inc()
	slog.Warn("storage operation failed", "op", op, "error", err)
}
