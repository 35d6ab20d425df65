package proc

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pdrwalk/pdrwalk/pkg/dwarf/regnum"
	"github.com/pdrwalk/pdrwalk/pkg/pdr"
)

func TestMdebugEndToEnd(t *testing.T) {
	s := newTestSession(t, ABIO32, binary.LittleEndian, []pdr.Record{
		{Addr: 0x1000, RegMask: 0x80000000, RegOffset: 16, FrameReg: regnum.MIPS_SP, FrameOffset: 32, FRegMask: 0, PCReg: regnum.MIPS_RA},
	}, []Function{{Name: "f", Entry: 0x1000, End: 0x1100}})
	s.prologue[0x1000] = 0x1008

	const sp = 0x7fff0000
	const base = sp + 32
	s.mem.put(binary.LittleEndian, base+16, 4, 0x2040)

	frame := s.innermost(0x1010, sp, nil)
	require.True(t, s.mdebug.Applicable(frame))

	cache, err := s.mdebug.BuildCache(frame)
	require.NoError(t, err)
	require.Equal(t, uint64(base), cache.Base)
	require.Equal(t, SavedReg{Kind: SavedAtAddr, Addr: base + 16}, cache.Regs[regnum.MIPS_RA])
	require.Equal(t, cache.Regs[regnum.MIPS_RA], cache.Regs[regnum.MIPS_PC])

	pc, err := s.mdebug.PrevRegister(frame, regnum.MIPS_PC)
	require.NoError(t, err)
	require.Equal(t, uint64(0x2040), pc)

	ra, err := s.mdebug.PrevRegister(frame, regnum.MIPS_RA)
	require.NoError(t, err)
	require.Equal(t, uint64(0x2040), ra)

	callerSP, err := s.mdebug.PrevRegister(frame, regnum.MIPS_SP)
	require.NoError(t, err)
	require.Equal(t, uint64(base), callerSP)

	id, err := s.mdebug.FrameID(frame)
	require.NoError(t, err)
	require.Equal(t, FrameID{Base: base, FuncStart: 0x1000}, id)

	fb, err := s.chain.FrameBase(frame)
	require.NoError(t, err)
	require.Equal(t, uint64(base), fb)
	lb, err := s.mdebug.LocalsBase(frame)
	require.NoError(t, err)
	ab, err := s.mdebug.ArgsBase(frame)
	require.NoError(t, err)
	require.Equal(t, fb, lb)
	require.Equal(t, fb, ab)
}

func TestMdebugCacheIsMemoized(t *testing.T) {
	s := newTestSession(t, ABIO32, binary.LittleEndian, []pdr.Record{
		{Addr: 0x1000, RegMask: 0x80000000, FrameReg: regnum.MIPS_SP, FrameOffset: 16, PCReg: regnum.MIPS_RA},
	}, nil)
	frame := s.innermost(0x1010, 0x8000, nil)
	c1, err := s.mdebug.BuildCache(frame)
	require.NoError(t, err)
	c2, err := s.mdebug.BuildCache(frame)
	require.NoError(t, err)
	require.Same(t, c1, c2)
}

func TestMdebugKernelTrapSavesEverything(t *testing.T) {
	s := newTestSession(t, ABIO32, binary.LittleEndian, []pdr.Record{
		{Addr: 0x1000, RegMask: 1, RegOffset: 0, FRegMask: 0, FRegOffset: -128, FrameReg: regnum.MIPS_SP, FrameOffset: 256, PCReg: regnum.MIPS_RA},
	}, nil)
	// the whole function is "prologue", kernel trap frames are still ours
	s.prologue[0x1000] = 0x2000

	frame := s.innermost(0x1010, 0x8000, nil)
	require.True(t, s.mdebug.Applicable(frame))

	cache, err := s.mdebug.BuildCache(frame)
	require.NoError(t, err)
	base := uint64(0x8000 + 256)
	for i := uint64(0); i < regnum.MIPSNumRegs; i++ {
		if i == regnum.MIPS_SP {
			require.Equal(t, SavedReg{Kind: SavedValue, Value: base}, cache.Regs[i])
			continue
		}
		require.Equal(t, SavedReg{Kind: SavedAtAddr, Addr: base - (31-i)*4}, cache.Regs[i], "register %d", i)
		fbase := base - 128
		require.Equal(t, SavedReg{Kind: SavedAtAddr, Addr: fbase - (31-i)*4}, cache.Regs[regnum.MIPS_F0+i], "register f%d", i)
	}
	require.Equal(t, cache.Regs[regnum.MIPS_RA], cache.Regs[regnum.MIPS_PC])
}

func TestMdebugFloatPairsBigEndian(t *testing.T) {
	rec := pdr.Record{Addr: 0x1000, FRegMask: 0xc0000000, FRegOffset: 8, FrameReg: regnum.MIPS_SP, FrameOffset: 0, PCReg: regnum.MIPS_RA}
	const sp = 0x8000
	const fbase = sp + 8

	build := func(abi ABI, order binary.ByteOrder) *FrameCache {
		s := newTestSession(t, abi, order, []pdr.Record{rec}, nil)
		cache, err := s.mdebug.BuildCache(s.innermost(0x1010, sp, nil))
		require.NoError(t, err)
		return cache
	}

	le := build(ABIO32, binary.LittleEndian)
	require.Equal(t, uint64(fbase), le.Regs[regnum.MIPS_F31].Addr)
	require.Equal(t, uint64(fbase-4), le.Regs[regnum.MIPS_F0+30].Addr)

	be := build(ABIO32, binary.BigEndian)
	require.Equal(t, le.Regs[regnum.MIPS_F0+30].Addr, be.Regs[regnum.MIPS_F31].Addr)
	require.Equal(t, le.Regs[regnum.MIPS_F31].Addr, be.Regs[regnum.MIPS_F0+30].Addr)

	be64 := build(ABIN64, binary.BigEndian)
	require.Equal(t, uint64(fbase), be64.Regs[regnum.MIPS_F31].Addr)
	require.Equal(t, uint64(fbase-8), be64.Regs[regnum.MIPS_F0+30].Addr)
}

func TestMdebugGenericMaskOrder(t *testing.T) {
	// s0, s1 and ra saved, 64-bit slots
	s := newTestSession(t, ABIN64, binary.BigEndian, []pdr.Record{
		{Addr: 0x1000, RegMask: 0x80030000, RegOffset: -8, FrameReg: regnum.MIPS_FP, FrameOffset: 48, PCReg: regnum.MIPS_RA},
	}, nil)
	frame := s.innermost(0x1010, 0x8000, map[uint64]uint64{regnum.MIPS_FP: 0x9000})
	cache, err := s.mdebug.BuildCache(frame)
	require.NoError(t, err)

	base := uint64(0x9000 + 48)
	require.Equal(t, base, cache.Base)
	require.Equal(t, base-8, cache.Regs[regnum.MIPS_RA].Addr)
	require.Equal(t, base-16, cache.Regs[regnum.MIPS_S0+1].Addr)
	require.Equal(t, base-24, cache.Regs[regnum.MIPS_S0].Addr)
	_, saved := cache.Regs[regnum.MIPS_FP]
	require.False(t, saved)

	s.mem.put(binary.BigEndian, base-24, 8, 0x1122334455667788)
	v, err := s.mdebug.PrevRegister(frame, regnum.MIPS_S0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1122334455667788), v)

	// not saved: same value as in this frame
	v, err = s.mdebug.PrevRegister(frame, regnum.MIPS_FP)
	require.NoError(t, err)
	require.Equal(t, uint64(0x9000), v)
}

func TestMdebugStackPointerIsValue(t *testing.T) {
	for _, mask := range []uint32{0, 1, 0x20000000, 0xffffffff} {
		s := newTestSession(t, ABIO32, binary.BigEndian, []pdr.Record{
			{Addr: 0x1000, RegMask: mask, FrameReg: regnum.MIPS_SP, FrameOffset: 24, PCReg: regnum.MIPS_RA},
		}, nil)
		cache, err := s.mdebug.BuildCache(s.innermost(0x1010, 0x8000, nil))
		require.NoError(t, err)
		require.Equal(t, SavedReg{Kind: SavedValue, Value: 0x8000 + 24}, cache.Regs[regnum.MIPS_SP], "mask %#x", mask)
	}
}

func TestMdebugLeafReturnAddressInRegister(t *testing.T) {
	s := newTestSession(t, ABIO32, binary.LittleEndian, []pdr.Record{
		{Addr: 0x1000, RegMask: 0, FrameReg: regnum.MIPS_SP, FrameOffset: 0, PCReg: regnum.MIPS_RA},
	}, nil)
	frame := s.innermost(0x1010, 0x8000, map[uint64]uint64{regnum.MIPS_RA: 0x3344})
	pc, err := s.mdebug.PrevRegister(frame, regnum.MIPS_PC)
	require.NoError(t, err)
	require.Equal(t, uint64(0x3344), pc)
}

func TestMdebugSignExtendsSavedRegisters(t *testing.T) {
	s := newTestSession(t, ABIO32, binary.BigEndian, []pdr.Record{
		{Addr: 0x1000, RegMask: 0x80000000, RegOffset: 0, FrameReg: regnum.MIPS_SP, FrameOffset: 8, PCReg: regnum.MIPS_RA},
	}, nil)
	s.mem.put(binary.BigEndian, 0x8008, 4, 0x80001234)
	pc, err := s.mdebug.PrevRegister(s.innermost(0x1010, 0x8000, nil), regnum.MIPS_PC)
	require.NoError(t, err)
	require.Equal(t, uint64(0xffffffff80001234), pc)
}

func TestMdebugSniffer(t *testing.T) {
	for _, test := range []struct {
		name       string
		mask       uint32
		pc         uint64
		applicable bool
	}{
		{"in prologue", 0x80000000, 0x1004, false},
		{"in prologue, kernel trap", 0x80000001, 0x1004, true},
		{"after prologue", 0x80000000, 0x1010, true},
		{"after prologue, kernel trap", 0x80000001, 0x1010, true},
		{"mips16", 0x80000001, 0x1011, false},
		{"before any descriptor", 0x80000000, 0x0ff0, false},
	} {
		t.Run(test.name, func(t *testing.T) {
			s := newTestSession(t, ABIO32, binary.LittleEndian, []pdr.Record{
				{Addr: 0x1000, RegMask: test.mask, FrameReg: regnum.MIPS_SP, FrameOffset: 32, PCReg: regnum.MIPS_RA},
			}, nil)
			s.image.AddSection(".init", 0x0f00, 0x100)
			s.prologue[0x1000] = 0x1008
			require.Equal(t, test.applicable, s.mdebug.Applicable(s.innermost(test.pc, 0x8000, nil)))
		})
	}
}

func TestMdebugBuildInProloguePanics(t *testing.T) {
	s := newTestSession(t, ABIO32, binary.LittleEndian, []pdr.Record{
		{Addr: 0x1000, RegMask: 0x80000000, FrameReg: regnum.MIPS_SP, FrameOffset: 32, PCReg: regnum.MIPS_RA},
	}, nil)
	s.prologue[0x1000] = 0x1008
	require.Panics(t, func() {
		s.mdebug.BuildCache(s.innermost(0x1004, 0x8000, nil))
	})
}

func TestMdebugMissingFrameRegister(t *testing.T) {
	s := newTestSession(t, ABIO32, binary.LittleEndian, []pdr.Record{
		{Addr: 0x1000, FrameReg: regnum.MIPS_FP, FrameOffset: 32, PCReg: regnum.MIPS_RA},
	}, nil)
	_, err := s.mdebug.BuildCache(s.innermost(0x1010, 0x8000, nil))
	require.Error(t, err)
	var unavail *ErrRegisterUnavailable
	require.ErrorAs(t, err, &unavail)
}
