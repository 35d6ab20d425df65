package pdr

import (
	"encoding/binary"
	"math/rand"
	"testing"
)

func TestForPC(t *testing.T) {
	data := Encode(binary.LittleEndian,
		Record{Addr: 300},
		Record{Addr: 10},
		Record{Addr: 100},
		Record{Addr: 50})
	table := Parse(data, binary.LittleEndian, 0)

	for _, test := range []struct {
		pc    uint64
		start uint64
		found bool
	}{
		{0, 0, false},
		{9, 0, false},
		{10, 10, true},
		{49, 10, true},
		{50, 50, true},
		{99, 50, true},
		{100, 100, true},
		{299, 100, true},
		{300, 300, true},
		{0x10000, 300, true},
	} {
		d, err := table.ForPC(test.pc)
		if !test.found {
			if err == nil {
				t.Errorf("[pc = %#x] expected error got descriptor %v", test.pc, d)
			} else if _, ok := err.(*ErrNoPDRForPC); !ok {
				t.Errorf("[pc = %#x] wrong error type %T", test.pc, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("[pc = %#x] %v", test.pc, err)
		}
		if d.Start() != test.start {
			t.Errorf("[pc = %#x] got descriptor at %#x, expected %#x", test.pc, d.Start(), test.start)
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	in := []Record{
		{Addr: 0x1000, RegMask: 0x80000000, RegOffset: -4, FRegMask: 0x00300000, FRegOffset: -16, FrameReg: 29, FrameOffset: 32, PCReg: 31},
		{Addr: 0x2000, RegMask: 0xc0ff0001, RegOffset: 16, FRegMask: 0, FRegOffset: 0, FrameReg: 30, FrameOffset: -8, PCReg: 31},
	}
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		table := Parse(Encode(order, in...), order, 0)
		if len(table) != len(in) {
			t.Fatalf("%v: expected %d descriptors, got %d", order, len(in), len(table))
		}
		for i := range in {
			if table[i].Record != in[i] {
				t.Errorf("%v: record %d mismatch\ngot:\t%#v\nexpected:\t%#v", order, i, table[i].Record, in[i])
			}
		}
	}
}

func TestParseRelocatesAndSorts(t *testing.T) {
	const base = 0x400000
	data := Encode(binary.BigEndian,
		Record{Addr: 0x3000, PCReg: 3},
		Record{Addr: 0x1000, PCReg: 1},
		Record{Addr: 0x3000, PCReg: 4},
		Record{Addr: 0x2000, PCReg: 2})
	table := Parse(data, binary.BigEndian, base)

	expected := []struct {
		start uint64
		pcreg uint32
	}{
		{base + 0x1000, 1},
		{base + 0x2000, 2},
		{base + 0x3000, 3},
	}
	if len(table) != len(expected) {
		t.Fatalf("expected %d descriptors, got %d", len(expected), len(table))
	}
	for i, e := range expected {
		if table[i].Start() != e.start || table[i].PCReg != e.pcreg {
			t.Errorf("descriptor %d: got start %#x pcreg %d, expected %#x %d", i, table[i].Start(), table[i].PCReg, e.start, e.pcreg)
		}
	}
}

func TestParseSignExtendsAddr(t *testing.T) {
	table := Parse(Encode(binary.BigEndian, Record{Addr: -0x80000000}), binary.BigEndian, 0)
	if len(table) != 1 {
		t.Fatalf("expected one descriptor, got %d", len(table))
	}
	if table[0].Start() != 0xffffffff80000000 {
		t.Errorf("got start %#x", table[0].Start())
	}
}

func TestParseEmptyAndTruncated(t *testing.T) {
	if table := Parse(nil, binary.LittleEndian, 0); len(table) != 0 {
		t.Errorf("expected empty table, got %d entries", len(table))
	}
	if _, err := Parse(nil, binary.LittleEndian, 0).ForPC(0x1000); err == nil {
		t.Errorf("expected error from empty table")
	}

	data := Encode(binary.LittleEndian, Record{Addr: 0x10}, Record{Addr: 0x20})
	table := Parse(data[:RecordSize+7], binary.LittleEndian, 0)
	if len(table) != 1 || table[0].Start() != 0x10 {
		t.Errorf("truncated section: got %v", table)
	}
}

func TestForPCMatchesLinearScan(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for iter := 0; iter < 50; iter++ {
		n := rng.Intn(64) + 1
		recs := make([]Record, n)
		for i := range recs {
			recs[i].Addr = int32(rng.Intn(1 << 16))
		}
		table := Parse(Encode(binary.LittleEndian, recs...), binary.LittleEndian, 0)

		for i := 1; i < len(table); i++ {
			if table[i-1].Start() >= table[i].Start() {
				t.Fatalf("table not strictly increasing at %d: %#x >= %#x", i, table[i-1].Start(), table[i].Start())
			}
		}

		for k := 0; k < 200; k++ {
			pc := uint64(rng.Intn(1<<16 + 16))
			var best uint64
			found := false
			for _, r := range recs {
				start := uint64(r.Addr)
				if start <= pc && (!found || start > best) {
					best, found = start, true
				}
			}
			d, err := table.ForPC(pc)
			if found != (err == nil) {
				t.Fatalf("[pc = %#x] linear scan found=%v, ForPC err=%v", pc, found, err)
			}
			if found && d.Start() != best {
				t.Fatalf("[pc = %#x] ForPC returned %#x, linear scan %#x", pc, d.Start(), best)
			}
		}
	}
}

func TestKernelTrap(t *testing.T) {
	for _, test := range []struct {
		mask uint32
		trap bool
	}{
		{0, false},
		{1, true},
		{0x80000000, false},
		{0x80000001, true},
	} {
		r := Record{RegMask: test.mask}
		if r.KernelTrap() != test.trap {
			t.Errorf("mask %#x: KernelTrap() = %v", test.mask, r.KernelTrap())
		}
	}
}

func TestParseGASLayout(t *testing.T) {
	// .ent f at 0x400120
	// .frame $sp,32,$31
	// .mask 0x80010000,-4
	// .fmask 0x00300000,-16
	for _, order := range []binary.ByteOrder{binary.BigEndian, binary.LittleEndian} {
		b := make([]byte, RecordSize)
		order.PutUint32(b[0:], 0x400120)
		order.PutUint32(b[4:], 0x80010000)
		order.PutUint32(b[8:], 0xfffffffc)
		order.PutUint32(b[12:], 0x00300000)
		order.PutUint32(b[16:], 0xfffffff0)
		order.PutUint32(b[20:], 32)
		order.PutUint32(b[24:], 29)
		order.PutUint32(b[28:], 31)

		table := Parse(b, order, 0)
		if len(table) != 1 {
			t.Fatalf("%v: expected 1 descriptor, got %d", order, len(table))
		}
		d := table[0]
		if d.Start() != 0x400120 {
			t.Errorf("%v: start %#x", order, d.Start())
		}
		if d.FrameReg != 29 || d.FrameOffset != 32 {
			t.Errorf("%v: frame register %d offset %d, expected 29 and 32", order, d.FrameReg, d.FrameOffset)
		}
		if d.RegMask != 0x80010000 || d.RegOffset != -4 || d.FRegMask != 0x00300000 || d.FRegOffset != -16 || d.PCReg != 31 {
			t.Errorf("%v: unexpected record %v", order, d)
		}
		if got := Encode(order, d.Record); string(got) != string(b) {
			t.Errorf("%v: encoding mismatch\n%x\n%x", order, got, b)
		}
	}
}
