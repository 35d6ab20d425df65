package proc

import (
	"errors"
	"fmt"

	"github.com/pdrwalk/pdrwalk/pkg/logflags"
)

// Stackframe represents a frame in a system stack.
type Stackframe struct {
	Level int
	// PC is the program counter of the frame. For every frame but the
	// innermost one it is the return address of the call.
	PC uint64
	// Fn is the function containing PC, nil if unknown.
	Fn *Function
	// ID identifies the frame.
	ID FrameID
	// FrameBase is the base address of the frame, 0 if no frame base
	// provider claimed the frame.
	FrameBase uint64
	// Unwinder is the name of the unwinder that claimed the frame.
	Unwinder string
}

// ErrFrameCycle is returned when an unwinder produces a frame identical to
// its callee.
type ErrFrameCycle struct {
	Level int
	ID    FrameID
}

func (err *ErrFrameCycle) Error() string {
	return fmt.Sprintf("frame %d has the same id as its callee %v", err.Level, err.ID)
}

// stackIterator holds information
// required to iterate and walk the program
// stack.
type stackIterator struct {
	chain   *UnwindChain
	mem     MemoryReader
	regs    *Registers
	symbols func(pc uint64) *Function

	cur   *Frame
	frame Stackframe
	atend bool
	err   error
}

func newStackIterator(chain *UnwindChain, mem MemoryReader, regs *Registers, symbols func(uint64) *Function) *stackIterator {
	return &stackIterator{chain: chain, mem: mem, regs: regs, symbols: symbols}
}

// Next points the iterator to the next stack frame.
func (it *stackIterator) Next() bool {
	if it.err != nil || it.atend {
		return false
	}

	var f *Frame
	if it.cur == nil {
		f = newInnermostFrame(it.chain, it.mem, it.regs)
	} else {
		u := it.cur.unwinder
		pc, err := u.PrevRegister(it.cur, it.chain.Arch.PCRegNum)
		if err != nil {
			it.err = fmt.Errorf("could not unwind frame %d: %w", it.cur.Level, err)
			return false
		}
		if pc == 0 {
			it.atend = true
			return false
		}
		f = newCallerFrame(it.cur, pc)
	}

	u, err := it.chain.unwinderFor(f)
	if err != nil {
		if f.Level == 0 {
			it.err = err
		} else {
			logflags.UnwindLogger().Debugf("stopping at frame %d: %v", f.Level, err)
			it.atend = true
		}
		return false
	}

	id, err := u.FrameID(f)
	if err != nil {
		it.err = fmt.Errorf("could not compute id of frame %d: %w", f.Level, err)
		return false
	}
	if it.cur != nil && id == it.frame.ID {
		it.err = &ErrFrameCycle{Level: f.Level, ID: id}
		return false
	}

	sf := Stackframe{Level: f.Level, PC: f.pc, ID: id, Unwinder: u.Name()}
	if base, err := it.chain.FrameBase(f); err == nil {
		sf.FrameBase = base
	}
	if it.symbols != nil {
		sf.Fn = it.symbols(f.pc)
	}
	it.cur = f
	it.frame = sf
	return true
}

// Frame returns the frame the iterator is pointing at.
func (it *stackIterator) Frame() Stackframe {
	return it.frame
}

// Err returns the error encountered during stack iteration.
func (it *stackIterator) Err() error {
	return it.err
}

func (it *stackIterator) stacktrace(depth int) ([]Stackframe, error) {
	if depth < 0 {
		return nil, errors.New("negative maximum stack depth")
	}
	frames := make([]Stackframe, 0, depth+1)
	for it.Next() {
		frames = append(frames, it.Frame())
		if len(frames) >= depth+1 {
			break
		}
	}
	if err := it.Err(); err != nil {
		return frames, err
	}
	return frames, nil
}

// Stacktrace unwinds the stack of a stopped thread whose registers are
// regs, returning at most depth+1 frames innermost first. If an error
// stops the traversal the frames found so far are returned with it.
func Stacktrace(chain *UnwindChain, mem MemoryReader, regs *Registers, images *ImageRegistry, depth int) ([]Stackframe, error) {
	var symbols func(uint64) *Function
	if images != nil {
		symbols = images.PCToFunc
	}
	return newStackIterator(chain, mem, regs, symbols).stacktrace(depth)
}
