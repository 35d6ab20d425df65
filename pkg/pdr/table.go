package pdr

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/pdrwalk/pdrwalk/pkg/logflags"
)

// Table is the list of descriptors of one image, sorted by start address.
type Table []*Descriptor

// ErrNoPDRForPC is returned when no descriptor starts at or before PC.
type ErrNoPDRForPC struct {
	PC uint64
}

func (err *ErrNoPDRForPC) Error() string {
	return fmt.Sprintf("could not find procedure descriptor for PC %#x", err.PC)
}

// Parse decodes the contents of a .pdr section. The start address of each
// record is sign extended and moved by staticBase. The producer does not
// keep the section sorted when an object has more than one code section,
// so the result is sorted here; records sharing a start address after the
// first one are dropped.
func Parse(data []byte, order binary.ByteOrder, staticBase uint64) Table {
	n := len(data) / RecordSize
	if rem := len(data) % RecordSize; rem != 0 {
		logflags.PDRLogger().Warnf("ignoring %d trailing bytes in .pdr section", rem)
	}
	if n == 0 {
		return Table{}
	}

	t := make(Table, 0, n)
	for i := 0; i < n; i++ {
		rec := decodeRecord(data[i*RecordSize:], order)
		t = append(t, &Descriptor{Record: rec, start: uint64(int64(rec.Addr)) + staticBase})
	}

	sort.SliceStable(t, func(i, j int) bool {
		return t[i].start < t[j].start
	})

	uniq := t[:1]
	for _, d := range t[1:] {
		if d.start == uniq[len(uniq)-1].start {
			logflags.PDRLogger().Debugf("duplicate procedure descriptor at %#x", d.start)
			continue
		}
		uniq = append(uniq, d)
	}
	return uniq
}

// ForPC returns the descriptor with the greatest start address that is
// less than or equal to pc. Descriptors do not record the size of the
// procedure, so the result may belong to a preceding procedure; callers
// must validate it.
func (t Table) ForPC(pc uint64) (*Descriptor, error) {
	idx := sort.Search(len(t), func(i int) bool {
		return t[i].start > pc
	})
	if idx == 0 {
		return nil, &ErrNoPDRForPC{pc}
	}
	return t[idx-1], nil
}
