package proc

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pdrwalk/pdrwalk/pkg/dwarf/regnum"
)

// ABI is a MIPS calling convention. It determines the width of a register
// save slot.
type ABI uint8

const (
	ABIO32 ABI = iota
	ABIO64
	ABIN32
	ABIN64
	ABIEABI32
	ABIEABI64
)

var abiNames = map[ABI]string{
	ABIO32:    "o32",
	ABIO64:    "o64",
	ABIN32:    "n32",
	ABIN64:    "n64",
	ABIEABI32: "eabi32",
	ABIEABI64: "eabi64",
}

func (abi ABI) String() string {
	if s, ok := abiNames[abi]; ok {
		return s
	}
	return fmt.Sprintf("ABI(%d)", uint8(abi))
}

// ParseABI returns the ABI with the given name.
func ParseABI(name string) (ABI, error) {
	for abi, s := range abiNames {
		if strings.EqualFold(s, name) {
			return abi, nil
		}
	}
	return 0, fmt.Errorf("unknown MIPS ABI %q", name)
}

// RegSize returns the size in bytes of a register save slot.
func (abi ABI) RegSize() int {
	switch abi {
	case ABIO32, ABIEABI32:
		return 4
	default:
		return 8
	}
}

// ParseByteOrder parses "big"/"be" or "little"/"le".
func ParseByteOrder(s string) (binary.ByteOrder, error) {
	switch strings.ToLower(s) {
	case "big", "be", "eb":
		return binary.BigEndian, nil
	case "little", "le", "el":
		return binary.LittleEndian, nil
	}
	return nil, fmt.Errorf("unknown byte order %q", s)
}

// Arch describes the MIPS target being unwound.
type Arch struct {
	Name string
	ABI  ABI

	byteOrder binary.ByteOrder

	PCRegNum uint64
	SPRegNum uint64
	RARegNum uint64
}

// MIPSArch returns an initialized Arch for the given ABI and byte order.
func MIPSArch(abi ABI, order binary.ByteOrder) *Arch {
	name := "mips"
	if order == binary.LittleEndian {
		name = "mipsel"
	}
	if abi.RegSize() == 8 {
		name += "64"
	}
	return &Arch{
		Name:      name,
		ABI:       abi,
		byteOrder: order,
		PCRegNum:  regnum.MIPS_PC,
		SPRegNum:  regnum.MIPS_SP,
		RARegNum:  regnum.MIPS_RA,
	}
}

// RegSize returns the width of a register save slot under the
// architecture's ABI.
func (a *Arch) RegSize() int {
	return a.ABI.RegSize()
}

// ByteOrder returns the byte order of the target.
func (a *Arch) ByteOrder() binary.ByteOrder {
	return a.byteOrder
}

// IsMIPS16 returns true if pc is in MIPS16 mode. MIPS16 code addresses
// have the low bit set.
func (a *Arch) IsMIPS16(pc uint64) bool {
	return pc&1 != 0
}

// RegisterName returns the conventional name of register num.
func (a *Arch) RegisterName(num uint64) string {
	return regnum.MIPSToName(num)
}

// signExtend32 sign extends the low 32 bits of v, the canonical form of
// 32-bit addresses and register values on MIPS.
func signExtend32(v uint64) uint64 {
	return uint64(int64(int32(uint32(v))))
}

// Canonical returns v as it appears in a register of this architecture.
func (a *Arch) Canonical(v uint64) uint64 {
	if a.RegSize() == 4 {
		return signExtend32(v)
	}
	return v
}
