package proc

import (
	"errors"
	"fmt"
)

// FrameID identifies a frame for the duration of a traversal.
type FrameID struct {
	// Base is the frame base, the stack pointer of the caller.
	Base uint64
	// FuncStart is the start address of the function the frame belongs to.
	FuncStart uint64
}

func (id FrameID) String() string {
	return fmt.Sprintf("{base: %#x, func: %#x}", id.Base, id.FuncStart)
}

// Unwinder is a strategy to unwind a frame. An unwinder that claims a
// frame is the only one asked about that frame for the rest of the
// traversal.
type Unwinder interface {
	Name() string
	// Applicable returns true if the unwinder can unwind frame.
	Applicable(frame *Frame) bool
	// BuildCache returns the register locations of frame, building them
	// the first time it is called.
	BuildCache(frame *Frame) (*FrameCache, error)
	FrameID(frame *Frame) (FrameID, error)
	// PrevRegister returns the value register regnum had in the caller
	// of frame.
	PrevRegister(frame *Frame, regnum uint64) (uint64, error)
}

// FrameBaser provides the addresses used to find the stack, locals and
// arguments of a frame.
type FrameBaser interface {
	Applicable(frame *Frame) bool
	FrameBase(frame *Frame) (uint64, error)
	LocalsBase(frame *Frame) (uint64, error)
	ArgsBase(frame *Frame) (uint64, error)
}

// ErrNoUnwinder is returned when no unwinder claims a frame.
type ErrNoUnwinder struct {
	PC uint64
}

func (err *ErrNoUnwinder) Error() string {
	return fmt.Sprintf("no unwinder for frame at PC %#x", err.PC)
}

// ErrNoFrameBase is returned when no frame base provider claims a frame.
var ErrNoFrameBase = errors.New("no frame base provider for frame")

// UnwindChain is the ordered list of unwinders and frame base providers
// of an architecture. It is populated once, before the first traversal.
type UnwindChain struct {
	Arch      *Arch
	unwinders []Unwinder
	basers    []FrameBaser
}

// NewUnwindChain returns an empty chain for arch.
func NewUnwindChain(arch *Arch) *UnwindChain {
	return &UnwindChain{Arch: arch}
}

// AppendUnwinder adds u at the end of the chain.
func (c *UnwindChain) AppendUnwinder(u Unwinder) {
	c.unwinders = append(c.unwinders, u)
}

// AppendFrameBaser adds b at the end of the chain.
func (c *UnwindChain) AppendFrameBaser(b FrameBaser) {
	c.basers = append(c.basers, b)
}

// Unwinders returns the unwinders in the order they are consulted.
func (c *UnwindChain) Unwinders() []Unwinder {
	return c.unwinders
}

// unwinderFor returns the unwinder of frame, asking every unwinder in
// order the first time.
func (c *UnwindChain) unwinderFor(frame *Frame) (Unwinder, error) {
	if frame.unwinder != nil {
		return frame.unwinder, nil
	}
	for _, u := range c.unwinders {
		if u.Applicable(frame) {
			frame.unwinder = u
			return u, nil
		}
	}
	return nil, &ErrNoUnwinder{frame.pc}
}

func (c *UnwindChain) frameBaser(frame *Frame) (FrameBaser, error) {
	for _, b := range c.basers {
		if b.Applicable(frame) {
			return b, nil
		}
	}
	return nil, ErrNoFrameBase
}

// FrameBase returns the frame base of frame.
func (c *UnwindChain) FrameBase(frame *Frame) (uint64, error) {
	b, err := c.frameBaser(frame)
	if err != nil {
		return 0, err
	}
	return b.FrameBase(frame)
}

// Frame is one activation record during a traversal. Frames are created
// innermost first and every frame except the innermost one gets its
// register values by unwinding its callee.
type Frame struct {
	Level int

	pc    uint64
	next  *Frame     // callee, nil for the innermost frame
	regs  *Registers // only set for the innermost frame
	arch  *Arch
	mem   MemoryReader
	chain *UnwindChain

	unwinder Unwinder
	cache    *FrameCache
}

// newInnermostFrame returns the frame executing with registers regs.
func newInnermostFrame(chain *UnwindChain, mem MemoryReader, regs *Registers) *Frame {
	return &Frame{pc: regs.PC(), regs: regs, arch: chain.Arch, mem: mem, chain: chain}
}

// newCallerFrame returns the caller of callee, executing at pc.
func newCallerFrame(callee *Frame, pc uint64) *Frame {
	return &Frame{Level: callee.Level + 1, pc: pc, next: callee, arch: callee.arch, mem: callee.mem, chain: callee.chain}
}

// PC returns the program counter of the frame.
func (f *Frame) PC() uint64 {
	return f.pc
}

// Arch returns the architecture of the frame.
func (f *Frame) Arch() *Arch {
	return f.arch
}

// Mem returns the memory of the target.
func (f *Frame) Mem() MemoryReader {
	return f.mem
}

// Unwinder returns the unwinder that claimed the frame, nil if none has
// been chosen yet.
func (f *Frame) Unwinder() Unwinder {
	return f.unwinder
}

// Register returns the value of register regnum in this frame. For any
// frame but the innermost this unwinds the callee frame.
func (f *Frame) Register(regnum uint64) (uint64, error) {
	if f.next == nil {
		v, ok := f.regs.Reg(regnum)
		if !ok {
			return 0, &ErrRegisterUnavailable{regnum}
		}
		return v, nil
	}
	u, err := f.chain.unwinderFor(f.next)
	if err != nil {
		return 0, err
	}
	return u.PrevRegister(f.next, regnum)
}
