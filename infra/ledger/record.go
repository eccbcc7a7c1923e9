package ledger

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"time"

	"streamrelay/domain/event"
)

// -------------------- Reason --------------------

const (
	reasonUnknown byte = iota
	reasonRetryExhausted
	reasonShutdown
)

func encodeReason(r event.LossReason) byte {
	switch r {
	case event.LossRetryExhausted:
		return reasonRetryExhausted
	case event.LossShutdown:
		return reasonShutdown
	default:
		return reasonUnknown
	}
}

func decodeReason(b byte) event.LossReason {
	switch b {
	case reasonRetryExhausted:
		return event.LossRetryExhausted
	case reasonShutdown:
		return event.LossShutdown
	default:
		return "unknown"
	}
}

// -------------------- Record --------------------

// LostRecord is a record the forwarder could not deliver.
type LostRecord struct {
	Seq         uint64
	Reason      event.LossReason
	Attempts    uint32
	LastAttempt time.Time
	SubmittedAt time.Time
	Err         string
	Record      event.Record
}

var (
	errShortRecord = errors.New("ledger: truncated lost record")
	errChecksum    = errors.New("ledger: lost record checksum mismatch")
)

// binary encoding:
// [reason:1][attempts:4][lastAttempt:8][submittedAt:8][receivedAt:8]
// [idLen:2][id][typeLen:2][type][errLen:2][err][data...][crc32:4]
const (
	fixedLen = 1 + 4 + 8 + 8 + 8
	crcLen   = 4
)

func encodeLost(r LostRecord) []byte {
	id, typ, msg := clip(r.Record.ID), clip(r.Record.Type), clip(r.Err)

	buf := make([]byte, fixedLen, fixedLen+6+len(id)+len(typ)+len(msg)+len(r.Record.Data)+crcLen)
	buf[0] = encodeReason(r.Reason)
	binary.BigEndian.PutUint32(buf[1:5], r.Attempts)
	binary.BigEndian.PutUint64(buf[5:13], uint64(unixNano(r.LastAttempt)))
	binary.BigEndian.PutUint64(buf[13:21], uint64(unixNano(r.SubmittedAt)))
	binary.BigEndian.PutUint64(buf[21:29], uint64(unixNano(r.Record.ReceivedAt)))

	buf = appendString(buf, id)
	buf = appendString(buf, typ)
	buf = appendString(buf, msg)
	buf = append(buf, r.Record.Data...)
	return binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
}

func decodeLost(seq uint64, b []byte) (LostRecord, error) {
	if len(b) < fixedLen+crcLen {
		return LostRecord{}, errShortRecord
	}
	body, sum := b[:len(b)-crcLen], binary.BigEndian.Uint32(b[len(b)-crcLen:])
	if crc32.ChecksumIEEE(body) != sum {
		return LostRecord{}, errChecksum
	}
	b = body

	r := LostRecord{
		Seq:         seq,
		Reason:      decodeReason(b[0]),
		Attempts:    binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: fromUnixNano(int64(binary.BigEndian.Uint64(b[5:13]))),
		SubmittedAt: fromUnixNano(int64(binary.BigEndian.Uint64(b[13:21]))),
	}
	r.Record.ReceivedAt = fromUnixNano(int64(binary.BigEndian.Uint64(b[21:29])))

	rest := b[fixedLen:]
	var ok bool
	if r.Record.ID, rest, ok = readString(rest); !ok {
		return LostRecord{}, errShortRecord
	}
	if r.Record.Type, rest, ok = readString(rest); !ok {
		return LostRecord{}, errShortRecord
	}
	if r.Err, rest, ok = readString(rest); !ok {
		return LostRecord{}, errShortRecord
	}
	r.Record.Data = append([]byte(nil), rest...)
	return r, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func readString(b []byte) (string, []byte, bool) {
	if len(b) < 2 {
		return "", nil, false
	}
	n := int(binary.BigEndian.Uint16(b[:2]))
	if len(b) < 2+n {
		return "", nil, false
	}
	return string(b[2 : 2+n]), b[2+n:], true
}

func clip(s string) string {
	if len(s) > 0xFFFF {
		return s[:0xFFFF]
	}
	return s
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
