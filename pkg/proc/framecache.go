package proc

import (
	"fmt"

	"github.com/pdrwalk/pdrwalk/pkg/dwarf/regnum"
)

// SavedRegKind describes where the caller's value of a register is.
type SavedRegKind uint8

const (
	// SavedSameValue means the register was not changed by the frame.
	SavedSameValue SavedRegKind = iota
	// SavedAtAddr means the value was saved in memory at Addr.
	SavedAtAddr
	// SavedValue means the value is Value.
	SavedValue
	// SavedInReg means the value is the one register Reg has in the frame.
	SavedInReg
)

// SavedReg is the location of the caller's value of a register.
type SavedReg struct {
	Kind  SavedRegKind
	Addr  uint64
	Value uint64
	Reg   uint64
}

// FrameCache holds what an unwinder computed about a frame: its base and
// the locations of the registers it saved.
type FrameCache struct {
	Base      uint64
	FuncStart uint64
	Regs      map[uint64]SavedReg
}

func newFrameCache(base, funcStart uint64) *FrameCache {
	return &FrameCache{Base: base, FuncStart: funcStart, Regs: make(map[uint64]SavedReg)}
}

func (c *FrameCache) setAddr(reg, addr uint64) {
	c.Regs[reg] = SavedReg{Kind: SavedAtAddr, Addr: addr}
}

func (c *FrameCache) setValue(reg, v uint64) {
	c.Regs[reg] = SavedReg{Kind: SavedValue, Value: v}
}

// saved returns the location of reg. Registers not saved by the frame
// have their own value.
func (c *FrameCache) saved(reg uint64) SavedReg {
	if sr, ok := c.Regs[reg]; ok {
		return sr
	}
	return SavedReg{Kind: SavedInReg, Reg: reg}
}

// prevRegister returns the caller's value of register reg.
func (c *FrameCache) prevRegister(frame *Frame, reg uint64) (uint64, error) {
	sr, ok := c.Regs[reg]
	if !ok {
		return frame.Register(reg)
	}
	switch sr.Kind {
	case SavedAtAddr:
		arch := frame.Arch()
		v, err := readUintRaw(frame.Mem(), sr.Addr, arch.RegSize(), arch.ByteOrder())
		if err != nil {
			return 0, fmt.Errorf("could not read saved %s at %#x: %w", arch.RegisterName(reg), sr.Addr, err)
		}
		if reg <= regnum.MIPS_R31 || reg == regnum.MIPS_PC {
			v = arch.Canonical(v)
		}
		return v, nil
	case SavedValue:
		return sr.Value, nil
	case SavedInReg:
		return frame.Register(sr.Reg)
	default:
		return frame.Register(reg)
	}
}
