package binlog

import (
	"fmt"

	"github.com/google/uuid"

	"tclog/tc"
)

type EventType byte

const (
	FormatDescriptionEvent EventType = iota + 1
	GtidEvent
	DataEvent
	XidEvent
	RollbackEvent
	XaPrepareEvent
	IncidentEvent
	CheckpointEvent
	RotateEvent
	StopEvent
)

func (t EventType) String() string {
	switch t {
	case FormatDescriptionEvent:
		return "FormatDescription"
	case GtidEvent:
		return "Gtid"
	case DataEvent:
		return "Data"
	case XidEvent:
		return "Xid"
	case RollbackEvent:
		return "Rollback"
	case XaPrepareEvent:
		return "XaPrepare"
	case IncidentEvent:
		return "Incident"
	case CheckpointEvent:
		return "Checkpoint"
	case RotateEvent:
		return "Rotate"
	case StopEvent:
		return "Stop"
	}
	return fmt.Sprintf("EventType(%d)", byte(t))
}

// endsTransaction reports whether t closes the transaction opened by the preceding Gtid event.
func (t EventType) endsTransaction() bool {
	return t == XidEvent || t == RollbackEvent || t == XaPrepareEvent
}

type Gtid struct {
	Domain   uint32
	ServerID uint32
	Seq      uint64
}

func (g Gtid) String() string {
	return fmt.Sprintf("%d-%d-%d", g.Domain, g.ServerID, g.Seq)
}

// Event is one binlog record. Which fields are meaningful depends on Type:
//
//	FormatDescription  ServerUUID, Version
//	Gtid               Gtid, XID (zero for transactions without one)
//	Data, Incident     Payload
//	Xid, XaPrepare     XID
//	Checkpoint         FileID of the oldest file recovery still needs
//	Rotate             FileID of the next file
type Event struct {
	Type      EventType
	ServerID  uint32
	Timestamp int64

	ServerUUID uuid.UUID
	Version    string

	Gtid    Gtid
	XID     tc.XID
	Payload []byte
	FileID  uint64
}

func (e *Event) String() string {
	switch e.Type {
	case FormatDescriptionEvent:
		return fmt.Sprintf("%v server=%d uuid=%v version=%s", e.Type, e.ServerID, e.ServerUUID, e.Version)
	case GtidEvent:
		return fmt.Sprintf("%v %v xid=%d", e.Type, e.Gtid, e.XID)
	case DataEvent:
		return fmt.Sprintf("%v %d bytes", e.Type, len(e.Payload))
	case XidEvent, XaPrepareEvent:
		return fmt.Sprintf("%v xid=%d", e.Type, e.XID)
	case IncidentEvent:
		return fmt.Sprintf("%v %q", e.Type, e.Payload)
	case CheckpointEvent, RotateEvent:
		return fmt.Sprintf("%v file=%d", e.Type, e.FileID)
	}
	return e.Type.String()
}
