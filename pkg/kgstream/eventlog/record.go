package eventlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
)

// Record encoding: varint headerLen | header | payload | crc32c(header|payload)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeRecord(header, payload []byte) []byte {
	out := make([]byte, 0, binary.MaxVarintLen64+len(header)+len(payload)+4)
	out = binary.AppendUvarint(out, uint64(len(header)))
	out = append(out, header...)
	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	return binary.BigEndian.AppendUint32(out, crc)
}

func decodeRecord(b []byte) (header, payload []byte, ok bool) {
	if len(b) < 1+4 {
		return nil, nil, false
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 || hlen > uint64(len(b)) {
		return nil, nil, false
	}
	if n+int(hlen)+4 > len(b) {
		return nil, nil, false
	}
	header = b[n : n+int(hlen)]
	payload = b[n+int(hlen) : len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != expect {
		return nil, nil, false
	}
	return append([]byte(nil), header...), append([]byte(nil), payload...), true
}

// recordHeader is the event metadata stored in front of the payload.
type recordHeader struct {
	Event
	Offset Offset `json:"offset"`
}

func marshalEvent(ev Event, offset Offset) ([]byte, error) {
	payload := ev.Payload
	ev.Payload = nil
	header, err := json.Marshal(recordHeader{Event: ev, Offset: offset})
	if err != nil {
		return nil, fmt.Errorf("encode event header: %w", err)
	}
	return encodeRecord(header, payload), nil
}

func unmarshalEvent(b []byte) (Envelope, error) {
	header, payload, ok := decodeRecord(b)
	if !ok {
		return Envelope{}, fmt.Errorf("corrupt event record (%d bytes)", len(b))
	}
	var h recordHeader
	if err := json.Unmarshal(header, &h); err != nil {
		return Envelope{}, fmt.Errorf("decode event header: %w", err)
	}
	if len(payload) > 0 {
		h.Event.Payload = payload
	}
	return Envelope{Event: h.Event, Offset: h.Offset}, nil
}
