package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"tclog/engine"
	"tclog/logutil"
	"tclog/tc"
	"tclog/txlog"
)

var (
	benchTxns     int
	benchWorkers  int
	benchRecords  int
	benchAsyncCkp bool
	benchHotRows  int
)

func newBenchCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "bench",
		Short: "Commit transactions through the configured coordinator with two in-memory engines",
		RunE:  runBench,
	}
	m.Flags().IntVar(&benchTxns, "txns", 10000, "transactions to commit")
	m.Flags().IntVar(&benchWorkers, "workers", 16, "concurrent committers")
	m.Flags().IntVar(&benchRecords, "records", 2, "records written per transaction")
	m.Flags().BoolVar(&benchAsyncCkp, "async-checkpoint", false, "second engine acknowledges checkpoints only at the end")
	m.Flags().IntVar(&benchHotRows, "hot-rows", 0, "lock one of this many rows per transaction until it commits, 0 disables")
	return m
}

func runBench(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logutil.New(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()
	serveMetrics(cfg.MetricsAddr, log)

	a, b := engine.NewMem("mem-a"), engine.NewCheckpointingMem("mem-b", benchAsyncCkp)
	s, err := txlog.Open(cfg, []tc.Engine{a, b}, log)
	if err != nil {
		return err
	}

	var reporter engine.WaitReporter
	if bl := s.Binlog(); bl != nil {
		reporter = bl
	}
	rows := engine.NewRowLocks(reporter, time.Second, log)
	defer rows.Stop()

	var (
		next   atomic.Uint64
		failed atomic.Int64
		wg     sync.WaitGroup
	)
	record := make([]byte, 128)
	start := time.Now()

	for w := 0; w < benchWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id := next.Inc()
				if id > uint64(benchTxns) {
					return
				}

				txn := tc.NewTxn(id, a, b)
				for i := 0; i < benchRecords; i++ {
					txn.AppendRecord(record)
				}
				if benchHotRows > 0 {
					if err := rows.Lock(txn, id%uint64(benchHotRows), engine.ExclusiveLock); err != nil {
						failed.Inc()
						log.Warn("row lock failed", zap.Uint64("txn", id), zap.Error(err))
						continue
					}
				}
				if err := s.Commit(txn, tc.XID(id)); err != nil {
					failed.Inc()
					log.Warn("commit failed", zap.Uint64("txn", id), zap.Error(err))
				}
				rows.ReleaseAll(txn)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	if benchAsyncCkp {
		b.Flush()
	}

	fmt.Printf("coordinator: %s\n", s.Kind())
	fmt.Printf("committed:   %d in %v (%.0f/s), failed %d\n",
		int64(benchTxns)-failed.Load(), elapsed, float64(benchTxns)/elapsed.Seconds(), failed.Load())

	if bl := s.Binlog(); bl != nil {
		st := bl.Stats()
		fmt.Printf("group commits: %d, avg batch %.2f, syncs %d, rotations %d\n",
			st.GroupCommits.Load(), st.AvgBatchSize(), st.Syncs.Load(), st.Rotations.Load())
	}
	if xl := s.XidLog(); xl != nil {
		st := xl.Stats()
		fmt.Printf("page syncs: %d, overflows %d, page errors %d\n",
			st.Syncs.Load(), st.Overflows.Load(), st.PageErrors.Load())
	}

	if err := s.Close(); err != nil {
		return errors.Wrap(err, "failed to close coordinator")
	}
	if n := failed.Load(); n > 0 {
		return errors.Errorf("%d transactions failed", n)
	}
	return nil
}
