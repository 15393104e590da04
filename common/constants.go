package common

import "time"

const (
	// TCLogPageSize is the default page size of the memory mapped xid log.
	TCLogPageSize = 8192

	// TCLogMinPages is the smallest xid log: one header page and two data pages.
	TCLogMinPages = 3

	// DefaultMaxBinlogSize is the size after which the binlog is rotated at the end of a group commit.
	DefaultMaxBinlogSize = 64 << 20

	// DefaultCheckpointWait bounds how long shutdown waits for outstanding checkpoint notifications.
	DefaultCheckpointWait = 10 * time.Second

	// DefaultOverflowWait bounds how long a writer waits for a reclaimable slot in a full xid log.
	DefaultOverflowWait = 5 * time.Second
)
