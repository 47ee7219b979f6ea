package eventlog

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/randalmurphal/kgstream/pkg/kgstream/entity"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable, 0x00 separates variable
// segments):
// - el/e/{type}\0{id}\0{rev_be8}   event record
// - el/h/{type}\0{id}              entity head revision
// - el/t/{tag}\0{off_be8}          tag index, value is the event key
// - el/o/{off_be8}                 global order, value is the event key
// - el/m                           last assigned offset

const sep = byte(0)

var (
	eventPrefix = []byte("el/e/")
	headPrefix  = []byte("el/h/")
	tagPrefix   = []byte("el/t/")
	orderPrefix = []byte("el/o/")
	metaKey     = []byte("el/m")
)

func appendBE8(dst []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(dst, v)
}

func checkSegment(kind, s string) error {
	if bytes.IndexByte([]byte(s), sep) >= 0 {
		return fmt.Errorf("%w: %s contains a NUL byte", ErrInvalidEvent, kind)
	}
	return nil
}

func keyEntityPrefix(entityType string, id entity.ID) []byte {
	k := make([]byte, 0, len(eventPrefix)+len(entityType)+len(id)+2+8)
	k = append(k, eventPrefix...)
	k = append(k, entityType...)
	k = append(k, sep)
	k = append(k, id...)
	k = append(k, sep)
	return k
}

func keyEvent(entityType string, id entity.ID, revision uint64) []byte {
	return appendBE8(keyEntityPrefix(entityType, id), revision)
}

func keyHead(entityType string, id entity.ID) []byte {
	k := make([]byte, 0, len(headPrefix)+len(entityType)+len(id)+1)
	k = append(k, headPrefix...)
	k = append(k, entityType...)
	k = append(k, sep)
	k = append(k, id...)
	return k
}

func keyTagPrefix(tag Tag) []byte {
	k := make([]byte, 0, len(tagPrefix)+len(tag)+1+8)
	k = append(k, tagPrefix...)
	k = append(k, tag...)
	k = append(k, sep)
	return k
}

func keyTag(tag Tag, offset Offset) []byte {
	return appendBE8(keyTagPrefix(tag), uint64(offset))
}

func keyOrder(offset Offset) []byte {
	k := make([]byte, 0, len(orderPrefix)+8)
	k = append(k, orderPrefix...)
	return appendBE8(k, uint64(offset))
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func offsetSuffix(key []byte) Offset {
	return Offset(binary.BigEndian.Uint64(key[len(key)-8:]))
}
