package binlog

import (
	"tclog/bwal"
	"tclog/tc"
)

// Cipher encrypts events before they reach the file. Begin and End bracket the events of one transaction, pos is
// where the first of them will be written.
type Cipher interface {
	Begin(pos bwal.Position) error
	Encrypt(dst, src []byte) ([]byte, error)
	End() error
	Decrypt(pos bwal.Position, src []byte) ([]byte, error)
}

// GtidIndexWriter maintains an index from GTID to binlog position.
type GtidIndexWriter interface {
	Append(pos bwal.Position, gtid Gtid) error
	Flush() error
}

// Housekeeper owns file naming and purge policy. It is told when the binlog moves to a new file and which files
// recovery no longer needs.
type Housekeeper interface {
	Rotated(prev, next uint64)
	SafeToPurge(before uint64)
}

// AfterSyncHook runs once a batch is durable, before its transactions commit in the engines. An error does not
// undo the commit, it is reported to the transactions through the cookie's error flag.
type AfterSyncHook interface {
	AfterSync(pos bwal.Position, txns []*tc.Txn) error
}

type nopCipher struct{}

func (nopCipher) Begin(bwal.Position) error                         { return nil }
func (nopCipher) Encrypt(dst, src []byte) ([]byte, error)           { return append(dst, src...), nil }
func (nopCipher) End() error                                        { return nil }
func (nopCipher) Decrypt(_ bwal.Position, src []byte) ([]byte, error) { return src, nil }

type nopGtidIndex struct{}

func (nopGtidIndex) Append(bwal.Position, Gtid) error { return nil }
func (nopGtidIndex) Flush() error                     { return nil }

type nopHousekeeper struct{}

func (nopHousekeeper) Rotated(uint64, uint64) {}
func (nopHousekeeper) SafeToPurge(uint64)     {}

type nopAfterSync struct{}

func (nopAfterSync) AfterSync(bwal.Position, []*tc.Txn) error { return nil }
