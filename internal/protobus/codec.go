//go:build linux

// Package protobus layers request/response semantics, handshake
// greetings, and batching on top of tcpbus's raw framed byte streams.
package protobus

import (
	"encoding/binary"
	"fmt"

	"github.com/webitel/tcpbus/internal/endpoint"
)

// RecordType distinguishes a batch entry's role; mirrors spec.md §6's
// wire-format enum.
type RecordType uint8

const (
	TypeRequest  RecordType = 1
	TypeResponse RecordType = 2
)

// errFlag is OR'd into a record's type byte on the wire to mark a
// RESPONSE record whose Data carries an error string rather than a
// successful reply payload.
const errFlag = 0x80

// Record is one entry of the batch envelope described in spec.md §4.7:
// {type, method-id, seq-id, data}.
type Record struct {
	SeqID  uint64
	Type   RecordType
	Method uint32
	Err    bool
	Data   []byte
}

// encodeBatch serializes recs as a self-delimiting byte string: a u32
// count followed by, per record, {seq_id u64}{type u8}{method u32}
// {data_len u32}{data}. The outer 8-byte tcpbus frame header is what
// makes the whole thing self-delimiting on the wire; this codec never
// needs its own trailing marker.
func encodeBatch(recs []Record) []byte {
	size := 4
	for _, r := range recs {
		size += 8 + 1 + 4 + 4 + len(r.Data)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf, uint32(len(recs)))
	off := 4
	for _, r := range recs {
		binary.LittleEndian.PutUint64(buf[off:], r.SeqID)
		off += 8
		typeByte := byte(r.Type)
		if r.Err {
			typeByte |= errFlag
		}
		buf[off] = typeByte
		off++
		binary.LittleEndian.PutUint32(buf[off:], r.Method)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.Data)))
		off += 4
		off += copy(buf[off:], r.Data)
	}
	return buf
}

// decodeBatch is the inverse of encodeBatch. It never panics on
// malformed input (spec.md §7 invariant 4: the event loop must not
// panic on peer input) — it returns an error instead.
func decodeBatch(buf []byte) ([]Record, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("protobus: batch too short for count")
	}
	count := binary.LittleEndian.Uint32(buf)
	if uint64(count)*(8+1+4+4) > uint64(len(buf)-4) {
		return nil, fmt.Errorf("protobus: batch count %d exceeds buffer size", count)
	}
	off := 4
	recs := make([]Record, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+8+1+4+4 > len(buf) {
			return nil, fmt.Errorf("protobus: truncated record header at index %d", i)
		}
		seqID := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		typeByte := buf[off]
		off++
		method := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		dataLen := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		if off+int(dataLen) > len(buf) {
			return nil, fmt.Errorf("protobus: truncated record data at index %d", i)
		}
		// Copied, not sliced: buf backs a pooled SharedView whose
		// lifetime ends when the tcpbus handler call returns, which can
		// be before a SplitExecutor-deferred dispatch reads this data.
		data := append([]byte(nil), buf[off:off+int(dataLen)]...)
		off += int(dataLen)

		recs = append(recs, Record{
			SeqID:  seqID,
			Type:   RecordType(typeByte &^ errFlag),
			Method: method,
			Err:    typeByte&errFlag != 0,
			Data:   data,
		})
	}
	return recs, nil
}

// encodeGreeting serializes the handshake record sent as the first
// frame on a freshly dialed connection: {port u16}{force u8}{endpoint_id u64}.
func encodeGreeting(port uint16, forced *endpoint.ID) []byte {
	buf := make([]byte, 2+1+8)
	binary.LittleEndian.PutUint16(buf, port)
	if forced != nil {
		buf[2] = 1
		binary.LittleEndian.PutUint64(buf[3:], uint64(*forced))
	}
	return buf
}

func decodeGreeting(buf []byte) (port uint16, forced bool, id endpoint.ID, err error) {
	if len(buf) < 2+1+8 {
		return 0, false, 0, fmt.Errorf("protobus: greeting too short")
	}
	port = binary.LittleEndian.Uint16(buf)
	forced = buf[2] != 0
	id = endpoint.ID(binary.LittleEndian.Uint64(buf[3:]))
	return port, forced, id, nil
}
