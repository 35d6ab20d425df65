package proc

import (
	"encoding/binary"
	"sync"

	"github.com/pdrwalk/pdrwalk/pkg/dwarf/regnum"
	"github.com/pdrwalk/pdrwalk/pkg/logflags"
)

// PrologueAnalyzer decides whether a pc is still inside the prologue of
// the function starting at funcStart, i.e. before all the register saves
// described by its procedure descriptor have happened.
type PrologueAnalyzer interface {
	InPrologue(pc, funcStart uint64) bool
}

// maxPrologueInstructions bounds the prologue scan.
const maxPrologueInstructions = 100

// MIPS opcodes recognized in prologues.
const (
	mipsOpSpecial = 0x00
	mipsOpAddiu   = 0x09
	mipsOpLui     = 0x0f
	mipsOpDaddiu  = 0x19
	mipsOpSw      = 0x2b
	mipsOpSwc1    = 0x39
	mipsOpSdc1    = 0x3d
	mipsOpSd      = 0x3f

	mipsFunctOr    = 0x25
	mipsFunctAddu  = 0x21
	mipsFunctDaddu = 0x2d
)

type mipsPrologueScanner struct {
	mem   MemoryReader
	order binary.ByteOrder

	mu   sync.Mutex
	ends map[uint64]uint64
}

// NewMIPSPrologueScanner returns a PrologueAnalyzer that reads the
// instructions at the start of each function from mem and stops at the
// first one that does not set up the frame.
func NewMIPSPrologueScanner(arch *Arch, mem MemoryReader) PrologueAnalyzer {
	return &mipsPrologueScanner{mem: mem, order: arch.ByteOrder(), ends: make(map[uint64]uint64)}
}

func (s *mipsPrologueScanner) InPrologue(pc, funcStart uint64) bool {
	if pc < funcStart {
		return false
	}
	return pc < s.prologueEnd(funcStart)
}

func (s *mipsPrologueScanner) prologueEnd(funcStart uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if end, ok := s.ends[funcStart]; ok {
		return end
	}
	end := s.scan(funcStart)
	s.ends[funcStart] = end
	return end
}

// scan returns the address following the last prologue instruction.
func (s *mipsPrologueScanner) scan(funcStart uint64) uint64 {
	mem := cacheMemory(s.mem, funcStart, maxPrologueInstructions*4)
	end := funcStart
	for i := 0; i < maxPrologueInstructions; i++ {
		addr := funcStart + uint64(i*4)
		insn, err := readUintRaw(mem, addr, 4, s.order)
		if err != nil {
			logflags.UnwindLogger().Debugf("prologue scan of %#x stopped at %#x: %v", funcStart, addr, err)
			break
		}
		if insn == 0 {
			// nop, possibly a delay slot
			continue
		}
		if !isPrologueInsn(uint32(insn)) {
			break
		}
		end = addr + 4
	}
	return end
}

func isPrologueInsn(insn uint32) bool {
	op := insn >> 26
	rs := uint64((insn >> 21) & 0x1f)
	rt := uint64((insn >> 16) & 0x1f)
	rd := uint64((insn >> 11) & 0x1f)
	imm := int16(insn & 0xffff)

	switch op {
	case mipsOpAddiu, mipsOpDaddiu:
		if rs == regnum.MIPS_SP && rt == regnum.MIPS_SP && imm < 0 {
			return true // stack allocation
		}
		return rs == regnum.MIPS_GP && rt == regnum.MIPS_GP // gp setup
	case mipsOpSw, mipsOpSd, mipsOpSwc1, mipsOpSdc1:
		return rs == regnum.MIPS_SP || rs == regnum.MIPS_FP // register save
	case mipsOpLui:
		return rt == regnum.MIPS_GP
	case mipsOpSpecial:
		switch insn & 0x3f {
		case mipsFunctAddu, mipsFunctDaddu, mipsFunctOr:
			if rd == regnum.MIPS_FP && rs == regnum.MIPS_SP && rt == regnum.MIPS_ZERO {
				return true // move fp, sp
			}
			return rd == regnum.MIPS_GP && (rs == regnum.MIPS_GP || rt == regnum.MIPS_GP)
		}
	}
	return false
}
