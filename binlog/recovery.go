package binlog

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tclog/bwal"
	"tclog/tc"
)

type RecoveryReport struct {
	// ScannedFrom is the oldest file the last checkpoint said recovery needs.
	ScannedFrom uint64
	// Logged maps every XID with a commit marker in the scanned files to its file.
	Logged map[tc.XID]uint64
	// Counts is the number of logged XIDs per file, before recovery released them.
	Counts    map[uint64]int64
	Incidents int

	Committed  []tc.XID
	RolledBack []tc.XID
	// HeuristicCommitted lists XIDs with no commit marker that were committed because some engine had already
	// committed them.
	HeuristicCommitted []tc.XID
	// XaPrepared lists XA transactions left prepared in the engines for the user to resolve.
	XaPrepared []tc.XID

	LastGtidSeq uint64
}

// Recover resolves the transactions the engines hold prepared after a crash, using the binlog files from the last
// checkpoint on. Transactions with a commit marker are committed, XA transactions with a prepare marker stay
// prepared, everything else is rolled back unless some engine already committed it. The tracker ends up with every
// scanned file and zero counts.
func Recover(fs *bwal.SegmentFS, cipher Cipher, tracker *XidTracker, engines []tc.Engine, log *zap.Logger) (RecoveryReport, error) {
	if cipher == nil {
		cipher = nopCipher{}
	}
	log = log.Named("recovery")

	report := RecoveryReport{
		Logged: map[tc.XID]uint64{},
		Counts: map[uint64]int64{},
	}

	segs, err := fs.Segments()
	if err != nil {
		return report, err
	}
	if len(segs) == 0 {
		return report, bwal.ErrNoSegmentFile
	}
	last := segs[len(segs)-1]

	from, found, err := lastCheckpoint(fs, cipher, last)
	if err != nil {
		return report, err
	}
	if !found {
		log.Warn("no checkpoint in the last binlog file, scanning every file", zap.Uint64("file", last))
		from = segs[0]
	}
	if from < segs[0] {
		return report, errors.Errorf("binlog file %d needed by recovery was purged", from)
	}
	report.ScannedFrom = from

	var loggedFiles []uint64
	xa := map[tc.XID]struct{}{}
	names := map[uint64]string{}

	err = ReadEvents(fs, from, cipher, func(e *Event, pos bwal.Position) error {
		names[pos.FileID] = fs.Name(pos.FileID)

		switch e.Type {
		case XidEvent:
			if e.XID == 0 {
				return nil
			}
			report.Logged[e.XID] = pos.FileID
			report.Counts[pos.FileID]++
			loggedFiles = append(loggedFiles, pos.FileID)
			delete(xa, e.XID)
		case XaPrepareEvent:
			xa[e.XID] = struct{}{}
		case IncidentEvent:
			report.Incidents++
			log.Warn("incident found in binlog", zap.Stringer("pos", pos), zap.ByteString("reason", e.Payload))
		}
		return nil
	})
	if err != nil {
		return report, errors.Wrap(err, "failed to scan binlog")
	}

	log.Info("binlog scanned",
		zap.Uint64("from", from),
		zap.Uint64("to", last),
		zap.Int("logged", len(report.Logged)),
		zap.Int("xa-prepared", len(xa)))

	if err := resolvePrepared(&report, xa, engines, log); err != nil {
		return report, err
	}

	tracker.Rebuild(last, names, report.Counts)
	for _, id := range loggedFiles {
		tracker.MarkDone(id)
	}

	report.LastGtidSeq, err = lastGtidSeq(fs, cipher, last)
	if err != nil {
		return report, err
	}

	log.Info("binlog recovery done",
		zap.Int("committed", len(report.Committed)),
		zap.Int("rolled-back", len(report.RolledBack)),
		zap.Int("heuristic", len(report.HeuristicCommitted)),
		zap.Int("xa-prepared", len(report.XaPrepared)))
	return report, nil
}

func resolvePrepared(report *RecoveryReport, xa map[tc.XID]struct{}, engines []tc.Engine, log *zap.Logger) error {
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
			return errors.Wrapf(err, "failed to list prepared transactions of %s", engines[i].Name())
		}

		for _, x := range prepared {
			_, logged := report.Logged[x]
			_, xaPrepared := xa[x]

			switch {
			case logged:
				if err := r.CommitByXID(x); err != nil {
					return errors.Wrapf(err, "failed to commit xid %d", x)
				}
				report.Committed = append(report.Committed, x)
			case xaPrepared:
				report.XaPrepared = append(report.XaPrepared, x)
			case committedByAny(x):
				if err := r.CommitByXID(x); err != nil {
					return errors.Wrapf(err, "failed to commit xid %d", x)
				}
				report.HeuristicCommitted = append(report.HeuristicCommitted, x)
				log.Warn("heuristically committed transaction missing from binlog", zap.Uint64("xid", uint64(x)))
			default:
				if err := r.RollbackByXID(x); err != nil {
					return errors.Wrapf(err, "failed to roll back xid %d", x)
				}
				report.RolledBack = append(report.RolledBack, x)
			}
		}
	}
	return nil
}

// lastCheckpoint returns the file named by the last Checkpoint event of file id.
func lastCheckpoint(fs *bwal.SegmentFS, cipher Cipher, id uint64) (oldest uint64, found bool, err error) {
	err = ReadFile(fs, id, cipher, func(e *Event, _ bwal.Position) error {
		if e.Type == CheckpointEvent {
			oldest, found = e.FileID, true
		}
		return nil
	})
	return oldest, found, err
}

// lastGtidSeq returns the highest GTID sequence number written, searching files backwards from last.
func lastGtidSeq(fs *bwal.SegmentFS, cipher Cipher, last uint64) (uint64, error) {
	segs, err := fs.Segments()
	if err != nil {
		return 0, err
	}

	for i := len(segs) - 1; i >= 0; i-- {
		if segs[i] > last {
			continue
		}

		var seq uint64
		err := ReadFile(fs, segs[i], cipher, func(e *Event, _ bwal.Position) error {
			if e.Type == GtidEvent && e.Gtid.Seq > seq {
				seq = e.Gtid.Seq
			}
			return nil
		})
		if err != nil {
			return 0, errors.Wrapf(err, "failed to read binlog file %d", segs[i])
		}
		if seq > 0 {
			return seq, nil
		}
	}
	return 0, nil
}

// NeededFrom returns the oldest binlog file crash recovery would read, the one named by the last checkpoint of the
// newest file. Files before it can be purged.
func NeededFrom(fs *bwal.SegmentFS, cipher Cipher) (uint64, error) {
	if cipher == nil {
		cipher = nopCipher{}
	}

	last, err := fs.LastSegment()
	if err != nil {
		return 0, err
	}
	oldest, found, err := lastCheckpoint(fs, cipher, last)
	if err != nil {
		return 0, err
	}
	if !found {
		segs, err := fs.Segments()
		if err != nil {
			return 0, err
		}
		return segs[0], nil
	}
	return oldest, nil
}
