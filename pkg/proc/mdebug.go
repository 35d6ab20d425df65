package proc

import (
	"encoding/binary"
	"fmt"

	"github.com/pdrwalk/pdrwalk/pkg/dwarf/regnum"
	"github.com/pdrwalk/pdrwalk/pkg/logflags"
)

// MdebugUnwinder unwinds frames of functions described by a procedure
// descriptor. Frames inside a prologue are left to other unwinders, unless
// the descriptor says the registers were saved by a kernel trap.
type MdebugUnwinder struct {
	arch     *Arch
	resolver *Resolver
	prologue PrologueAnalyzer
}

// NewMdebugUnwinder returns an unwinder using resolver to find procedure
// descriptors and prologue to reject frames whose registers are not saved
// yet.
func NewMdebugUnwinder(arch *Arch, resolver *Resolver, prologue PrologueAnalyzer) *MdebugUnwinder {
	return &MdebugUnwinder{arch: arch, resolver: resolver, prologue: prologue}
}

// AppendMdebugUnwinder registers u both as an unwinder and as a frame base
// provider of chain.
func AppendMdebugUnwinder(chain *UnwindChain, u *MdebugUnwinder) {
	chain.AppendUnwinder(u)
	chain.AppendFrameBaser(u)
}

func (u *MdebugUnwinder) Name() string {
	return "mdebug"
}

// Applicable implements Unwinder.
func (u *MdebugUnwinder) Applicable(frame *Frame) bool {
	pc := frame.PC()
	if u.arch.IsMIPS16(pc) {
		return false
	}
	pd, err := u.resolver.Resolve(pc)
	if err != nil {
		return false
	}
	if pd.KernelTrap() {
		return true
	}
	// Outside of the innermost frame and of signal frames all the
	// register saves of a function happen before its first call.
	if !u.prologue.InPrologue(pc, pd.Start()) {
		return true
	}
	logflags.UnwindLogger().Debugf("frame %d at %#x is in the prologue of %#x", frame.Level, pc, pd.Start())
	return false
}

// BuildCache implements Unwinder. It must only be called on frames for
// which Applicable returned true.
func (u *MdebugUnwinder) BuildCache(frame *Frame) (*FrameCache, error) {
	if frame.cache != nil {
		return frame.cache, nil
	}

	pc := frame.PC()
	pd, err := u.resolver.Resolve(pc)
	if err != nil {
		panic(fmt.Sprintf("mdebug unwinder used on frame without procedure descriptor: %v", err))
	}

	fr, err := frame.Register(uint64(pd.FrameReg))
	if err != nil {
		return nil, fmt.Errorf("could not read frame register %s: %w", u.arch.RegisterName(uint64(pd.FrameReg)), err)
	}
	base := fr + uint64(int64(pd.FrameOffset))

	// r0 bit means kernel trap
	kernelTrap := pd.KernelTrap()
	genMask, floatMask := pd.RegMask, pd.FRegMask
	if kernelTrap {
		genMask, floatMask = 0xffffffff, 0xffffffff
	}

	if !kernelTrap && u.prologue.InPrologue(pc, pd.Start()) {
		panic(fmt.Sprintf("mdebug unwinder used on frame in prologue at %#x (function %#x)", pc, pd.Start()))
	}

	cache := newFrameCache(base, pd.Start())
	regSize := uint64(u.arch.RegSize())

	pos := base + uint64(int64(pd.RegOffset))
	for ireg := uint64(regnum.MIPSNumRegs - 1); genMask != 0; ireg, genMask = ireg-1, genMask<<1 {
		if genMask&0x80000000 != 0 {
			cache.setAddr(ireg, pos)
			pos -= regSize
		}
	}

	// On a big endian 32-bit ABI a double is held by a pair of floating
	// point registers, the most significant half in the odd one, and is
	// spilled as one 8 byte value. Memory order is therefore $f[N+1],
	// $f[N], swapped with respect to the register numbers.
	swapPairs := regSize == 4 && u.arch.ByteOrder() == binary.BigEndian
	pos = base + uint64(int64(pd.FRegOffset))
	for ireg := uint64(regnum.MIPSNumRegs - 1); floatMask != 0; ireg, floatMask = ireg-1, floatMask<<1 {
		if floatMask&0x80000000 != 0 {
			addr := pos
			if swapPairs {
				if ireg&1 != 0 {
					addr = pos - regSize
				} else {
					addr = pos + regSize
				}
			}
			cache.setAddr(regnum.MIPS_F0+ireg, addr)
			pos -= regSize
		}
	}

	// The pc is not saved, the caller resumes at the return address.
	pcReg := uint64(pd.PCReg)
	if pcReg > regnum.MIPS_R31 {
		pcReg = regnum.MIPS_RA
	}
	cache.Regs[regnum.MIPS_PC] = cache.saved(pcReg)

	// The caller's stack pointer is the frame base.
	cache.setValue(regnum.MIPS_SP, base)

	logflags.UnwindLogger().Debugf("frame %d at %#x: base %#x, %d saved registers", frame.Level, pc, base, len(cache.Regs))
	frame.cache = cache
	return cache, nil
}

// FrameID implements Unwinder.
func (u *MdebugUnwinder) FrameID(frame *Frame) (FrameID, error) {
	cache, err := u.BuildCache(frame)
	if err != nil {
		return FrameID{}, err
	}
	return FrameID{Base: cache.Base, FuncStart: cache.FuncStart}, nil
}

// PrevRegister implements Unwinder.
func (u *MdebugUnwinder) PrevRegister(frame *Frame, reg uint64) (uint64, error) {
	cache, err := u.BuildCache(frame)
	if err != nil {
		return 0, err
	}
	return cache.prevRegister(frame, reg)
}

// FrameBase implements FrameBaser. The descriptor does not distinguish
// between stack, locals and arguments base.
func (u *MdebugUnwinder) FrameBase(frame *Frame) (uint64, error) {
	cache, err := u.BuildCache(frame)
	if err != nil {
		return 0, err
	}
	return cache.Base, nil
}

// LocalsBase implements FrameBaser.
func (u *MdebugUnwinder) LocalsBase(frame *Frame) (uint64, error) {
	return u.FrameBase(frame)
}

// ArgsBase implements FrameBaser.
func (u *MdebugUnwinder) ArgsBase(frame *Frame) (uint64, error) {
	return u.FrameBase(frame)
}
