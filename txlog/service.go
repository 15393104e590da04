// Package txlog picks the transaction coordinator for a set of engines, recovers it and drives commits through it.
package txlog

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tclog/binlog"
	"tclog/concurrency"
	"tclog/config"
	"tclog/tc"
	"tclog/xidlog"
)

type Kind string

const (
	KindBinlog Kind = "binlog"
	KindMmap   Kind = "mmap"
	KindNull   Kind = "null"
)

// Participant is an engine the service can prepare, commit and roll back by XID.
type Participant interface {
	tc.Engine
	Prepare(xid tc.XID) error
	Commit(xid tc.XID) error
	Rollback(xid tc.XID) error
}

// coordinatorAware engines acknowledge checkpoints to the coordinator they were given.
type coordinatorAware interface {
	SetCoordinator(c tc.Coordinator)
}

type Service struct {
	kind    Kind
	log     *zap.Logger
	locks   *concurrency.OrderingLocks
	engines []tc.Engine
	coord   tc.Coordinator

	binlog *binlog.Binlog
	xidlog *xidlog.Log
	// xidRecovery is set when the xid log was recovered on open.
	xidRecovery *xidlog.RecoveryReport
}

// Open chooses the coordinator: the binlog when it is enabled, the xid log when at least two engines can take
// part in two-phase commit, the null coordinator otherwise. Crash recovery runs before Open returns.
func Open(cfg *config.Config, engines []tc.Engine, logger *zap.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		log:     logger.Named("txlog"),
		locks:   concurrency.NewOrderingLocks(),
		engines: engines,
	}

	switch {
	case cfg.Binlog.Enabled:
		if err := s.openBinlog(cfg, logger); err != nil {
			return nil, err
		}
	case tc.CountXACapable(engines) >= 2:
		if err := s.openXidLog(cfg, logger); err != nil {
			return nil, err
		}
	default:
		s.kind = KindNull
		s.coord = tc.NullCoordinator{}
	}

	for _, e := range engines {
		if a, ok := e.(coordinatorAware); ok {
			a.SetCoordinator(s.coord)
		}
	}

	s.log.Info("transaction coordinator ready", zap.String("kind", string(s.kind)), zap.Int("engines", len(engines)))
	return s, nil
}

func (s *Service) openBinlog(cfg *config.Config, logger *zap.Logger) error {
	c := cfg.Binlog
	opts := binlog.Options{
		Dir:             c.Dir,
		BaseName:        c.BaseName,
		MaxSize:         int64(c.MaxSize),
		CommitWaitCount: c.CommitWaitCount,
		CommitWait:      c.CommitWait.Duration,
		SyncPeriod:      c.SyncPeriod,
		NoSync:          c.SyncPeriod == 0,
		ServerID:        c.ServerID,
		DomainID:        c.DomainID,
		CheckpointWait:  c.CheckpointWait.Duration,
		Engines:         s.engines,
		Locks:           s.locks,
		Logger:          logger,
	}
	if opts.NoSync {
		opts.SyncPeriod = 1
	}

	b, err := binlog.Open(opts)
	if err != nil {
		return errors.Wrap(err, "failed to open binlog")
	}

	if r := b.Recovery(); r != nil {
		s.log.Info("binlog recovered",
			zap.Int("committed", len(r.Committed)),
			zap.Int("rolled-back", len(r.RolledBack)),
			zap.Int("xa-prepared", len(r.XaPrepared)))
	}

	s.kind, s.coord, s.binlog = KindBinlog, b, b
	return nil
}

func (s *Service) openXidLog(cfg *config.Config, logger *zap.Logger) error {
	c := cfg.TCLog
	l, err := xidlog.Open(c.Path, xidlog.Options{
		PageSize:        c.PageSize,
		Pages:           c.Pages(),
		OverflowWait:    c.OverflowWait.Duration,
		CheckpointBatch: c.CheckpointBatch,
		Engines:         s.engines,
		Locks:           s.locks,
		Logger:          logger,
	})
	if err != nil {
		return errors.Wrap(err, "failed to open xid log")
	}

	if l.NeedsRecovery() {
		r, err := l.RecoverEngines(s.engines)
		if err != nil {
			return multierr.Append(errors.Wrap(err, "xid log recovery failed"), l.Close())
		}
		s.xidRecovery = &r
	}

	s.kind, s.coord, s.xidlog = KindMmap, l, l
	return nil
}

func (s *Service) Kind() Kind {
	return s.kind
}

func (s *Service) Coordinator() tc.Coordinator {
	return s.coord
}

func (s *Service) Locks() *concurrency.OrderingLocks {
	return s.locks
}

// Binlog is nil unless the binlog is the coordinator.
func (s *Service) Binlog() *binlog.Binlog {
	return s.binlog
}

// XidLog is nil unless the xid log is the coordinator.
func (s *Service) XidLog() *xidlog.Log {
	return s.xidlog
}

func (s *Service) XidRecovery() *xidlog.RecoveryReport {
	return s.xidRecovery
}

func participants(txn *tc.Txn) []Participant {
	var res []Participant
	for _, e := range txn.Engines() {
		if p, ok := e.(Participant); ok {
			res = append(res, p)
		}
	}
	return res
}

// Commit runs the whole commit of txn: prepare in every engine, log the decision with ordering, commit in every
// engine and release the log entry. A failure before the decision is logged rolls the engines back.
func (s *Service) Commit(txn *tc.Txn, xid tc.XID) error {
	parts := participants(txn)

	if s.kind == KindNull {
		return s.commitOnePhase(txn, xid, parts)
	}

	for i, p := range parts {
		if err := p.Prepare(xid); err != nil {
			return multierr.Append(errors.Wrapf(err, "prepare failed in %s", p.Name()), rollback(parts[:i], xid))
		}
	}

	cookie, err := s.coord.LogAndOrder(txn, xid, true, true, true)
	if err != nil {
		return multierr.Append(errors.Wrap(err, "failed to log commit"), rollback(parts, xid))
	}

	for _, p := range parts {
		if err := p.Commit(xid); err != nil {
			// the decision is durable, recovery finishes the commit
			s.log.Error("engine failed to commit logged transaction",
				zap.String("engine", p.Name()), zap.Uint64("xid", uint64(xid)), zap.Error(err))
			return errors.Wrapf(err, "commit failed in %s", p.Name())
		}
	}

	return s.coord.Unlog(cookie, xid)
}

func (s *Service) commitOnePhase(txn *tc.Txn, xid tc.XID, parts []Participant) error {
	if err := txn.WaitForPriorCommit(); err != nil {
		txn.WakeupSubsequentCommits(err)
		return err
	}

	var err error
	for _, p := range parts {
		if err = p.Prepare(xid); err == nil {
			err = p.Commit(xid)
		}
		if err != nil {
			break
		}
	}

	if err == nil {
		g := s.locks.LockCommitOrdered()
		tc.RunCommitOrdered(g, txn, true)
		g.Unlock()
	}

	txn.WakeupSubsequentCommits(err)
	return err
}

func rollback(parts []Participant, xid tc.XID) error {
	var err error
	for _, p := range parts {
		err = multierr.Append(err, p.Rollback(xid))
	}
	return err
}

func (s *Service) Close() error {
	if s.xidlog != nil {
		s.xidlog.FlushPendingCheckpoint()
	}

	err := s.coord.Close()
	s.log.Info("transaction coordinator closed", zap.String("kind", string(s.kind)), zap.Error(err))
	return err
}
