package regnum

import "fmt"

// The mapping between hardware registers and DWARF registers on MIPS, as
// used by GCC and the .pdr section: general purpose registers keep their
// hardware number, floating point registers follow them.

const (
	MIPS_ZERO = 0
	MIPS_AT   = 1
	MIPS_V0   = 2
	MIPS_A0   = 4
	MIPS_T0   = 8
	MIPS_S0   = 16
	MIPS_T8   = 24
	MIPS_T9   = 25
	MIPS_K0   = 26
	MIPS_K1   = 27
	MIPS_GP   = 28
	// Stack Pointer
	MIPS_SP = 29
	// Frame Pointer, also known as s8
	MIPS_FP = 30
	// Return Address
	MIPS_RA = 31

	MIPS_R31 = MIPS_RA

	// Floating-point Registers
	MIPS_F0  = 32
	MIPS_F31 = 63

	MIPS_HI = 64
	MIPS_LO = 65

	// Not defined in DWARF specification
	MIPS_PC = 66

	_MIPS_MaxRegNum = MIPS_PC
)

// MIPSNumRegs is the number of registers covered by a save mask.
const MIPSNumRegs = 32

var mipsGPRNames = [MIPSNumRegs]string{
	"zero", "at", "v0", "v1", "a0", "a1", "a2", "a3",
	"t0", "t1", "t2", "t3", "t4", "t5", "t6", "t7",
	"s0", "s1", "s2", "s3", "s4", "s5", "s6", "s7",
	"t8", "t9", "k0", "k1", "gp", "sp", "s8", "ra",
}

func MIPSToName(num uint64) string {
	switch {
	case num <= MIPS_R31:
		return mipsGPRNames[num]
	case num >= MIPS_F0 && num <= MIPS_F31:
		return fmt.Sprintf("f%d", num-MIPS_F0)
	case num == MIPS_HI:
		return "hi"
	case num == MIPS_LO:
		return "lo"
	case num == MIPS_PC:
		return "pc"
	default:
		return fmt.Sprintf("unknown%d", num)
	}
}

func MIPSMaxRegNum() uint64 {
	return _MIPS_MaxRegNum
}

// MIPSNameToDwarf maps register names, with or without the leading '$',
// to their DWARF number. Both symbolic (sp, ra) and numeric (r29, $31)
// names of the general purpose registers are accepted.
var MIPSNameToDwarf = func() map[string]int {
	r := make(map[string]int)
	for i, name := range mipsGPRNames {
		r[name] = i
		r[fmt.Sprintf("r%d", i)] = i
		r[fmt.Sprintf("%d", i)] = i
	}
	r["fp"] = MIPS_FP
	for i := 0; i < MIPSNumRegs; i++ {
		r[fmt.Sprintf("f%d", i)] = MIPS_F0 + i
	}
	r["hi"] = MIPS_HI
	r["lo"] = MIPS_LO
	r["pc"] = MIPS_PC
	dollar := make(map[string]int, 2*len(r))
	for name, num := range r {
		dollar[name] = num
		dollar["$"+name] = num
	}
	return dollar
}()
