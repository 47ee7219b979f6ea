package stream

import (
	"github.com/randalmurphal/kgstream/pkg/kgstream/eventlog"
	"github.com/randalmurphal/kgstream/pkg/kgstream/index"
)

// batch accumulates the outcome of consecutive events.
type batch struct {
	first     eventlog.Offset
	last      eventlog.Offset
	events    int
	ops       []index.Op
	discarded int
	failed    int
}

func (b *batch) empty() bool {
	return b.events == 0
}

func (b *batch) add(offset eventlog.Offset) {
	if b.events == 0 {
		b.first = offset
	}
	b.last = offset
	b.events++
}

func (b *batch) reset() {
	*b = batch{ops: b.ops[:0]}
}

// collapse keeps the last op per (index, id), at the position of the
// first op for that document.
func collapse(ops []index.Op) []index.Op {
	if len(ops) < 2 {
		return ops
	}
	pos := make(map[string]int, len(ops))
	out := make([]index.Op, 0, len(ops))
	for _, op := range ops {
		if i, ok := pos[op.Key()]; ok {
			out[i] = op
			continue
		}
		pos[op.Key()] = len(out)
		out = append(out, op)
	}
	return out
}
