package txlog

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tclog/config"
	"tclog/engine"
	"tclog/tc"
)

func makeTmpDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "txlog")
	if err != nil {
		panic(err)
	}

	t.Cleanup(func() {
		if err := os.RemoveAll(dir); err != nil {
			t.Fatal(err)
		}
	})
	return dir
}

func testConfig(t *testing.T, binlogOn bool) *config.Config {
	dir := makeTmpDir(t)
	cfg := config.NewDefaultConfig()
	cfg.Binlog.Enabled = binlogOn
	cfg.Binlog.Dir = filepath.Join(dir, "binlog")
	cfg.TCLog.Path = filepath.Join(dir, "tc.log")
	return cfg
}

func TestOpen_Picks_Coordinator(t *testing.T) {
	cases := []struct {
		name    string
		binlog  bool
		engines int
		kind    Kind
	}{
		{"binlog enabled", true, 1, KindBinlog},
		{"two xa engines", false, 2, KindMmap},
		{"single engine", false, 1, KindNull},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var engines []tc.Engine
			for i := 0; i < c.engines; i++ {
				engines = append(engines, engine.NewMem("mem"))
			}

			s, err := Open(testConfig(t, c.binlog), engines, nil)
			require.NoError(t, err)
			assert.Equal(t, c.kind, s.Kind())
			assert.Equal(t, c.kind == KindBinlog, s.Binlog() != nil)
			assert.Equal(t, c.kind == KindMmap, s.XidLog() != nil)
			require.NoError(t, s.Close())
		})
	}
}

func TestService_Commit(t *testing.T) {
	for _, binlogOn := range []bool{true, false} {
		t.Run(map[bool]string{true: "binlog", false: "mmap"}[binlogOn], func(t *testing.T) {
			a, b := engine.NewMem("a"), engine.NewCheckpointingMem("b", false)
			s, err := Open(testConfig(t, binlogOn), []tc.Engine{a, b}, nil)
			require.NoError(t, err)

			var wg sync.WaitGroup
			for i := 1; i <= 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					txn := tc.NewTxn(uint64(i), a, b)
					txn.AppendRecord([]byte("update"))
					assert.NoError(t, s.Commit(txn, tc.XID(i)))
				}(i)
			}
			wg.Wait()

			for i := 1; i <= 20; i++ {
				assert.True(t, a.IsCommitted(tc.XID(i)))
				assert.True(t, b.IsCommitted(tc.XID(i)))
			}
			assert.Len(t, a.CommitOrder(), 20)
			assert.Equal(t, a.CommitOrder(), b.CommitOrder())
			require.NoError(t, s.Close())
		})
	}
}

func TestService_Commit_Rolls_Back_On_Prepare_Failure(t *testing.T) {
	a, b := engine.NewMem("a"), engine.NewMem("b")
	s, err := Open(testConfig(t, true), []tc.Engine{a, b}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	require.NoError(t, b.Prepare(7))

	err = s.Commit(tc.NewTxn(1, a, b), 7)
	assert.ErrorIs(t, err, engine.ErrDuplicate)
	assert.True(t, a.IsRolledBack(7))
	assert.Empty(t, a.CommitOrder())
}

func TestService_One_Phase_Commit(t *testing.T) {
	a := engine.NewMem("a")
	s, err := Open(testConfig(t, false), []tc.Engine{a}, nil)
	require.NoError(t, err)

	first, second := tc.NewTxn(1, a), tc.NewTxn(2, a)
	second.WaitForPrior(first)
	require.NoError(t, s.Commit(first, 1))
	require.NoError(t, s.Commit(second, 2))

	assert.True(t, a.IsCommitted(2))
	assert.Equal(t, []uint64{1, 2}, a.CommitOrder())
	require.NoError(t, s.Close())
}

func TestService_Recovers_Xid_Log(t *testing.T) {
	cfg := testConfig(t, false)
	a, b := engine.NewMem("a"), engine.NewMem("b")

	s, err := Open(cfg, []tc.Engine{a, b}, nil)
	require.NoError(t, err)

	// the decision for 5 is logged but neither engine committed before shutdown
	require.NoError(t, a.Prepare(5))
	require.NoError(t, b.Prepare(5))
	require.NoError(t, a.Prepare(6))
	_, err = s.Coordinator().LogAndOrder(tc.NewTxn(1, a, b), 5, true, false, false)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(cfg, []tc.Engine{a, b}, nil)
	require.NoError(t, err)
	require.NotNil(t, s.XidRecovery())
	assert.ElementsMatch(t, []tc.XID{5, 5}, s.XidRecovery().Committed)
	assert.Equal(t, []tc.XID{6}, s.XidRecovery().RolledBack)
	assert.True(t, a.IsCommitted(5))
	assert.True(t, b.IsCommitted(5))
	assert.True(t, a.IsRolledBack(6))
	require.NoError(t, s.Close())

	_, err = os.Stat(cfg.TCLog.Path)
	assert.True(t, os.IsNotExist(err))
}
