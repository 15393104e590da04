package binlog

import (
	"encoding/binary"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"tclog/tc"
)

var ErrCorruptEvent = errors.New("corrupt binlog event")

// encodeEvent lays fields out as uvarints in the order they are declared, only those the type uses, and
// compresses the result.
func encodeEvent(e *Event) []byte {
	res := make([]byte, 0, 64+len(e.Payload))
	res = append(res, byte(e.Type))
	res = binary.AppendUvarint(res, uint64(e.ServerID))
	res = binary.AppendUvarint(res, uint64(e.Timestamp))

	switch e.Type {
	case FormatDescriptionEvent:
		res = append(res, e.ServerUUID[:]...)
		res = binary.AppendUvarint(res, uint64(len(e.Version)))
		res = append(res, e.Version...)
	case GtidEvent:
		res = binary.AppendUvarint(res, uint64(e.Gtid.Domain))
		res = binary.AppendUvarint(res, uint64(e.Gtid.ServerID))
		res = binary.AppendUvarint(res, e.Gtid.Seq)
		res = binary.AppendUvarint(res, uint64(e.XID))
	case DataEvent, IncidentEvent:
		res = binary.AppendUvarint(res, uint64(len(e.Payload)))
		res = append(res, e.Payload...)
	case XidEvent, XaPrepareEvent:
		res = binary.AppendUvarint(res, uint64(e.XID))
	case CheckpointEvent, RotateEvent:
		res = binary.AppendUvarint(res, e.FileID)
	}

	return snappy.Encode(nil, res)
}

func decodeEvent(d []byte) (*Event, error) {
	data, err := snappy.Decode(nil, d)
	if err != nil {
		return nil, errors.Wrap(ErrCorruptEvent, err.Error())
	}
	if len(data) == 0 {
		return nil, errors.Wrap(ErrCorruptEvent, "empty event")
	}

	offset := 1
	var bad bool
	uvarint := func() uint64 {
		if bad {
			return 0
		}
		res, n := binary.Uvarint(data[offset:])
		if n <= 0 {
			bad = true
			return 0
		}
		offset += n
		return res
	}
	bytes := func(n uint64) []byte {
		if bad || uint64(len(data)-offset) < n {
			bad = true
			return nil
		}
		res := data[offset : offset+int(n)]
		offset += int(n)
		return res
	}

	e := &Event{Type: EventType(data[0])}
	e.ServerID = uint32(uvarint())
	e.Timestamp = int64(uvarint())

	switch e.Type {
	case FormatDescriptionEvent:
		if u := bytes(16); u != nil {
			e.ServerUUID, _ = uuid.FromBytes(u)
		}
		e.Version = string(bytes(uvarint()))
	case GtidEvent:
		e.Gtid.Domain = uint32(uvarint())
		e.Gtid.ServerID = uint32(uvarint())
		e.Gtid.Seq = uvarint()
		e.XID = tc.XID(uvarint())
	case DataEvent, IncidentEvent:
		e.Payload = bytes(uvarint())
	case XidEvent, XaPrepareEvent:
		e.XID = tc.XID(uvarint())
	case CheckpointEvent, RotateEvent:
		e.FileID = uvarint()
	case RollbackEvent, StopEvent:
	default:
		return nil, errors.Wrapf(ErrCorruptEvent, "unknown event type %d", data[0])
	}

	if bad {
		return nil, errors.Wrapf(ErrCorruptEvent, "truncated %v event", e.Type)
	}
	return e, nil
}
