package xidlog

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"tclog/tc"
)

type RecoveryReport struct {
	Committed  []tc.XID
	RolledBack []tc.XID
	// Heuristic lists XIDs that were not in the log but committed because some engine had committed them.
	Heuristic []tc.XID
}

func (l *Log) NeedsRecovery() bool {
	return l.needsRecovery
}

// Recover scans every page and returns the XIDs that are still logged. Their commit decision was made but at
// least one engine may not have committed them yet.
func (l *Log) Recover() []tc.XID {
	var res []tc.XID
	for _, p := range l.pages {
		p.mu.Lock()
		for _, x := range p.live() {
			res = append(res, tc.XID(x))
		}
		p.mu.Unlock()
	}
	return res
}

// ReadXIDs lists the XIDs still logged in the file at path without mapping or modifying it.
func ReadXIDs(path string) ([]tc.XID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read xid log %s", path)
	}

	ps, n, err := readHeader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(err, "xid log %s", path)
	}
	if ps < headerSize || len(data) < ps*n {
		return nil, errors.Errorf("xid log %s is truncated", path)
	}

	var res []tc.XID
	for no := 1; no < n; no++ {
		off := no * ps
		for _, x := range newPage(no, off, data[off:off+ps]).live() {
			res = append(res, tc.XID(x))
		}
	}
	return res, nil
}

// RecoverEngines resolves every transaction the engines report as prepared: XIDs present in the log are
// committed, the others are rolled back unless some engine already committed them. The log is emptied afterwards.
func (l *Log) RecoverEngines(engines []tc.Engine) (RecoveryReport, error) {
	var report RecoveryReport

	logged := map[tc.XID]struct{}{}
	for _, x := range l.Recover() {
		logged[x] = struct{}{}
	}

	log := l.log.Named("recovery")
	log.Info("starting xid log recovery", zap.Int("logged", len(logged)))

	var recoverers []tc.Recoverer
	for _, e := range engines {
		if r, ok := e.(tc.Recoverer); ok {
			recoverers = append(recoverers, r)
		}
	}

	committedByAny := func(x tc.XID) bool {
		for _, r := range recoverers {
			if r.IsCommitted(x) {
				return true
			}
		}
		return false
	}

	for i, r := range recoverers {
		prepared, err := r.PreparedXIDs()
		if err != nil {
			return report, errors.Wrapf(err, "failed to list prepared transactions of engine %d", i)
		}

		for _, x := range prepared {
			_, inLog := logged[x]
			switch {
			case inLog:
				if err := r.CommitByXID(x); err != nil {
					return report, errors.Wrapf(err, "failed to commit xid %d", x)
				}
				report.Committed = append(report.Committed, x)
				log.Info("committed prepared transaction", zap.Uint64("xid", uint64(x)))
			case committedByAny(x):
				if err := r.CommitByXID(x); err != nil {
					return report, errors.Wrapf(err, "failed to commit xid %d", x)
				}
				report.Heuristic = append(report.Heuristic, x)
				log.Warn("heuristically committed transaction missing from xid log", zap.Uint64("xid", uint64(x)))
			default:
				if err := r.RollbackByXID(x); err != nil {
					return report, errors.Wrapf(err, "failed to roll back xid %d", x)
				}
				report.RolledBack = append(report.RolledBack, x)
				log.Info("rolled back prepared transaction", zap.Uint64("xid", uint64(x)))
			}
		}
	}

	if err := l.reset(); err != nil {
		return report, err
	}

	log.Info("xid log recovery done",
		zap.Int("committed", len(report.Committed)),
		zap.Int("rolled-back", len(report.RolledBack)),
		zap.Int("heuristic", len(report.Heuristic)))
	return report, nil
}

// reset zeroes every data page and puts all of them in the pool.
func (l *Log) reset() error {
	l.activeMu.Lock()
	defer l.activeMu.Unlock()
	l.poolMu.Lock()
	defer l.poolMu.Unlock()

	l.active = -1
	l.pool = l.pool[:0]
	for i, p := range l.pages {
		p.mu.Lock()
		for s := 0; s < p.size; s++ {
			p.setSlot(s, 0)
		}
		p.free, p.ptr = p.size, 0
		p.state = pagePool
		p.active = false
		p.errGen = 0
		p.requested = p.started
		p.mu.Unlock()

		p.inPool = true
		l.pool = append(l.pool, i)
	}

	if err := unix.Msync(l.data, unix.MS_SYNC); err != nil {
		return errors.Wrap(err, "failed to sync emptied xid log")
	}

	l.needsRecovery = false
	l.poolEvent.Broadcast()
	return nil
}
