package proc

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/pdrwalk/pdrwalk/pkg/dwarf/regnum"
	"github.com/pdrwalk/pdrwalk/pkg/pdr"
)

// fakeMem is a sparse byte addressed memory.
type fakeMem map[uint64]byte

func (m fakeMem) ReadMemory(buf []byte, addr uint64) (int, error) {
	for i := range buf {
		b, ok := m[addr+uint64(i)]
		if !ok {
			return i, fmt.Errorf("unmapped address %#x", addr+uint64(i))
		}
		buf[i] = b
	}
	return len(buf), nil
}

func (m fakeMem) put(order binary.ByteOrder, addr uint64, size int, v uint64) {
	buf := make([]byte, 8)
	switch size {
	case 4:
		order.PutUint32(buf, uint32(v))
	case 8:
		order.PutUint64(buf, v)
	}
	for i := 0; i < size; i++ {
		m[addr+uint64(i)] = buf[i]
	}
}

func (m fakeMem) putInsns(order binary.ByteOrder, addr uint64, insns ...uint32) {
	for i, insn := range insns {
		m.put(order, addr+uint64(4*i), 4, uint64(insn))
	}
}

// fakePrologue maps function starts to the end of their prologue.
type fakePrologue map[uint64]uint64

func (p fakePrologue) InPrologue(pc, funcStart uint64) bool {
	end, ok := p[funcStart]
	return ok && pc >= funcStart && pc < end
}

type testSession struct {
	arch     *Arch
	images   *ImageRegistry
	image    *Image
	resolver *Resolver
	mem      fakeMem
	prologue fakePrologue
	chain    *UnwindChain
	mdebug   *MdebugUnwinder
}

// newTestSession maps one image with a .text section covering
// [0x1000, 0x10000), the given procedure descriptors and functions.
func newTestSession(t *testing.T, abi ABI, order binary.ByteOrder, recs []pdr.Record, funcs []Function) *testSession {
	t.Helper()
	s := &testSession{
		arch:     MIPSArch(abi, order),
		images:   NewImageRegistry(),
		mem:      make(fakeMem),
		prologue: make(fakePrologue),
	}
	s.image = NewImage("test.so", order, 0)
	s.image.AddSection(".text", 0x1000, 0xf000)
	s.image.SetPDRData(pdr.Encode(order, recs...))
	s.image.Symbols = NewSymtab(funcs)
	s.images.Add(s.image)
	s.resolver = NewResolver(s.images, s.images, 16)
	s.chain = NewUnwindChain(s.arch)
	s.mdebug = NewMdebugUnwinder(s.arch, s.resolver, s.prologue)
	AppendMdebugUnwinder(s.chain, s.mdebug)
	return s
}

func (s *testSession) regs(pc, sp uint64, more map[uint64]uint64) *Registers {
	regs := NewRegisters(s.arch)
	regs.AddReg(regnum.MIPS_PC, pc)
	regs.AddReg(regnum.MIPS_SP, sp)
	for k, v := range more {
		regs.AddReg(k, v)
	}
	return regs
}

func (s *testSession) innermost(pc, sp uint64, more map[uint64]uint64) *Frame {
	return newInnermostFrame(s.chain, s.mem, s.regs(pc, sp, more))
}
