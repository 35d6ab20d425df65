// Package snapshot reads the state of a stopped MIPS thread from a YAML
// file: the images it had mapped, its registers and the memory needed to
// unwind its stack.
package snapshot

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/pdrwalk/pdrwalk/pkg/dwarf/regnum"
	"github.com/pdrwalk/pdrwalk/pkg/proc"
)

// Hex is an unsigned integer that can be written in YAML either as a
// number or as a string with an optional 0x prefix.
type Hex uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (h *Hex) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	s = strings.ReplaceAll(strings.TrimSpace(s), "_", "")
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %v", s, err)
	}
	*h = Hex(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (h Hex) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("%#x", uint64(h)), nil
}

// ImageRef names an image mapped by the thread.
type ImageRef struct {
	Path string `yaml:"path"`
	// Base is the relocation applied to the addresses in the image.
	Base Hex `yaml:"base"`
}

// Locate returns the path of the image, looking in dirs when the path
// recorded in the snapshot does not exist.
func (ref ImageRef) Locate(dirs []string) (string, error) {
	if _, err := os.Stat(ref.Path); err == nil {
		return ref.Path, nil
	}
	for _, dir := range dirs {
		p := filepath.Join(dir, filepath.Base(ref.Path))
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("could not find image %s", ref.Path)
}

// MemoryBlock is a range of memory, Data is hex encoded.
type MemoryBlock struct {
	Addr Hex    `yaml:"addr"`
	Data string `yaml:"data"`
}

type memBlock struct {
	addr uint64
	data []byte
}

// Snapshot is the state of a stopped thread.
type Snapshot struct {
	ABI       string         `yaml:"abi,omitempty"`
	ByteOrder string         `yaml:"byte-order,omitempty"`
	Images    []ImageRef     `yaml:"images"`
	Registers map[string]Hex `yaml:"registers"`
	Memory    []MemoryBlock  `yaml:"memory"`

	mem  []memBlock
	arch *proc.Arch
}

// Load reads the snapshot at path.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse decodes a snapshot.
func Parse(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := yaml.UnmarshalStrict(data, &s); err != nil {
		return nil, err
	}
	for i, b := range s.Memory {
		raw, err := hex.DecodeString(strings.Join(strings.Fields(b.Data), ""))
		if err != nil {
			return nil, fmt.Errorf("memory block %d at %#x: %v", i, uint64(b.Addr), err)
		}
		s.mem = append(s.mem, memBlock{addr: uint64(b.Addr), data: raw})
	}
	s.sortMemory()
	return &s, nil
}

// Arch returns the architecture of the snapshot. Fields left empty in the
// snapshot are taken from defABI and defOrder. Memory block addresses are
// converted to the form addresses take in registers of the returned
// architecture, so 32-bit kernel addresses are sign extended on o32.
func (s *Snapshot) Arch(defABI, defOrder string) (*proc.Arch, error) {
	abiName, orderName := s.ABI, s.ByteOrder
	if abiName == "" {
		abiName = defABI
	}
	if orderName == "" {
		orderName = defOrder
	}
	if abiName == "" {
		abiName = "o32"
	}
	if orderName == "" {
		orderName = "big"
	}
	abi, err := proc.ParseABI(abiName)
	if err != nil {
		return nil, err
	}
	order, err := proc.ParseByteOrder(orderName)
	if err != nil {
		return nil, err
	}
	arch := proc.MIPSArch(abi, order)
	s.arch = arch
	for i := range s.mem {
		s.mem[i].addr = arch.Canonical(s.mem[i].addr)
	}
	s.sortMemory()
	return arch, nil
}

func (s *Snapshot) sortMemory() {
	sort.Slice(s.mem, func(i, j int) bool {
		return s.mem[i].addr < s.mem[j].addr
	})
}

// RegisterSet returns the registers of the snapshot. Register names are
// the conventional MIPS names (sp, ra, $29, r31, f0, pc...).
func (s *Snapshot) RegisterSet(arch *proc.Arch) (*proc.Registers, error) {
	regs := proc.NewRegisters(arch)
	for name, v := range s.Registers {
		num, ok := regnum.MIPSNameToDwarf[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("unknown register %q", name)
		}
		val := uint64(v)
		if num <= regnum.MIPS_R31 || num == regnum.MIPS_PC {
			val = arch.Canonical(val)
		}
		regs.AddReg(uint64(num), val)
	}
	if _, ok := regs.Reg(arch.PCRegNum); !ok {
		return nil, fmt.Errorf("snapshot does not contain the pc register")
	}
	return regs, nil
}

// ReadMemory implements proc.MemoryReader. Reads must be entirely
// contained in one memory block.
func (s *Snapshot) ReadMemory(buf []byte, addr uint64) (int, error) {
	i := sort.Search(len(s.mem), func(i int) bool {
		return s.mem[i].addr > addr
	})
	if i > 0 {
		b := &s.mem[i-1]
		off := addr - b.addr
		if off < uint64(len(b.data)) && uint64(len(buf)) <= uint64(len(b.data))-off {
			return copy(buf, b.data[off:]), nil
		}
	}
	return 0, fmt.Errorf("address %#x (%d bytes) not in snapshot", addr, len(buf))
}

// PutMemory adds a memory block of n bytes at addr holding v in the given
// byte order, n is 4 or 8.
func (s *Snapshot) PutMemory(addr uint64, n int, v uint64, order binary.ByteOrder) {
	data := make([]byte, 8)
	if n == 4 {
		order.PutUint32(data, uint32(v))
	} else {
		order.PutUint64(data, v)
	}
	data = data[:n]
	s.Memory = append(s.Memory, MemoryBlock{Addr: Hex(addr), Data: hex.EncodeToString(data)})
	if s.arch != nil {
		addr = s.arch.Canonical(addr)
	}
	s.mem = append(s.mem, memBlock{addr: addr, data: data})
	s.sortMemory()
}
