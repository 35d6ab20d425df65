// Package pdr decodes and searches the procedure descriptor records
// that GAS emits in the .pdr section of MIPS ELF objects.
package pdr

import (
	"encoding/binary"
	"fmt"
)

// RecordSize is the size in bytes of one on-disk record.
const RecordSize = 32

// Record is a procedure descriptor record as stored in the .pdr section.
type Record struct {
	Addr        int32  // function start, not relocated
	RegMask     uint32 // bit i set: general purpose register i was saved
	RegOffset   int32  // save area of the general purpose registers, relative to the frame base
	FRegMask    uint32 // bit i set: floating point register i was saved
	FRegOffset  int32  // save area of the floating point registers, relative to the frame base
	FrameOffset int32  // frame base is FrameReg + FrameOffset
	FrameReg    uint32 // register holding the frame base
	PCReg       uint32 // register holding the return address
}

// KernelTrap reports whether the record describes a frame where every
// register was saved at once, bit 0 of RegMask.
func (r *Record) KernelTrap() bool {
	return r.RegMask&1 != 0
}

// decodeRecord reads the record at the start of b, b must be at least
// RecordSize bytes long.
func decodeRecord(b []byte, order binary.ByteOrder) Record {
	return Record{
		Addr:        int32(order.Uint32(b[0:])),
		RegMask:     order.Uint32(b[4:]),
		RegOffset:   int32(order.Uint32(b[8:])),
		FRegMask:    order.Uint32(b[12:]),
		FRegOffset:  int32(order.Uint32(b[16:])),
		FrameOffset: int32(order.Uint32(b[20:])),
		FrameReg:    order.Uint32(b[24:]),
		PCReg:       order.Uint32(b[28:]),
	}
}

func (r *Record) put(b []byte, order binary.ByteOrder) {
	order.PutUint32(b[0:], uint32(r.Addr))
	order.PutUint32(b[4:], r.RegMask)
	order.PutUint32(b[8:], uint32(r.RegOffset))
	order.PutUint32(b[12:], r.FRegMask)
	order.PutUint32(b[16:], uint32(r.FRegOffset))
	order.PutUint32(b[20:], uint32(r.FrameOffset))
	order.PutUint32(b[24:], r.FrameReg)
	order.PutUint32(b[28:], r.PCReg)
}

// Encode returns the on-disk representation of records, in the given
// byte order and in the order they are passed.
func Encode(order binary.ByteOrder, records ...Record) []byte {
	out := make([]byte, len(records)*RecordSize)
	for i := range records {
		records[i].put(out[i*RecordSize:], order)
	}
	return out
}

// Descriptor is a record whose start address has been relocated into
// the address space of the running image.
type Descriptor struct {
	Record
	start uint64
}

// NewDescriptor returns a descriptor for r starting at start. It is used
// for descriptors that do not come from a .pdr section.
func NewDescriptor(r Record, start uint64) *Descriptor {
	return &Descriptor{Record: r, start: start}
}

// Start returns the relocated start address of the procedure.
func (d *Descriptor) Start() uint64 {
	return d.start
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("pdr{start: %#x, regmask: %#08x, regoff: %d, fregmask: %#08x, fregoff: %d, framereg: %d, frameoff: %d, pcreg: %d}",
		d.start, d.RegMask, d.RegOffset, d.FRegMask, d.FRegOffset, d.FrameReg, d.FrameOffset, d.PCReg)
}
