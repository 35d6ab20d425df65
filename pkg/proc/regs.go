package proc

import "fmt"

// Registers holds the register values of the innermost frame, indexed by
// DWARF register number.
type Registers struct {
	PCRegNum uint64
	SPRegNum uint64
	RARegNum uint64

	regs []*uint64
}

// NewRegisters returns an empty register set for arch.
func NewRegisters(arch *Arch) *Registers {
	return &Registers{
		PCRegNum: arch.PCRegNum,
		SPRegNum: arch.SPRegNum,
		RARegNum: arch.RARegNum,
	}
}

// AddReg sets register idx to v.
func (regs *Registers) AddReg(idx uint64, v uint64) {
	if idx >= uint64(len(regs.regs)) {
		newRegs := make([]*uint64, idx+1)
		copy(newRegs, regs.regs)
		regs.regs = newRegs
	}
	regs.regs[idx] = &v
}

// Reg returns the value of register idx and whether it is defined.
func (regs *Registers) Reg(idx uint64) (uint64, bool) {
	if idx >= uint64(len(regs.regs)) || regs.regs[idx] == nil {
		return 0, false
	}
	return *regs.regs[idx], true
}

// Uint64Val returns the value of register idx, or 0 if it is not defined.
func (regs *Registers) Uint64Val(idx uint64) uint64 {
	v, _ := regs.Reg(idx)
	return v
}

func (regs *Registers) PC() uint64 {
	return regs.Uint64Val(regs.PCRegNum)
}

func (regs *Registers) SP() uint64 {
	return regs.Uint64Val(regs.SPRegNum)
}

// ErrRegisterUnavailable is returned when the value of a register can not
// be determined.
type ErrRegisterUnavailable struct {
	Reg uint64
}

func (err *ErrRegisterUnavailable) Error() string {
	return fmt.Sprintf("register %d unavailable", err.Reg)
}
