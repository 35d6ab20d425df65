package proc

import (
	"sort"

	"github.com/derekparker/trie"

	"github.com/pdrwalk/pdrwalk/pkg/pdr"
)

// MdebugEFISymbolName is the name of the label symbol that carries the
// procedure descriptor of a function read from ECOFF/mdebug symbols.
const MdebugEFISymbolName = "__mdebug_efi"

// SymbolTable is the interface to the symbol table used by the resolver.
type SymbolTable interface {
	// BestGuessFunctionStart returns the start of the function containing
	// pc according to the symbol table. The answer can be wrong when the
	// symbol of a local function was stripped.
	BestGuessFunctionStart(pc uint64) (uint64, bool)
	// BlockContaining returns the innermost lexical block containing pc,
	// or nil.
	BlockContaining(pc uint64) *Block
	// LookupLabel returns the label symbol called name visible from
	// block, or nil.
	LookupLabel(name string, block *Block) *Symbol
}

// Function describes a function in the target program.
type Function struct {
	Name       string
	Entry, End uint64
}

// Block is a lexical block, a range of addresses.
type Block struct {
	Start, End uint64
	// Function is the function this block belongs to, nil for the
	// static block of an image.
	Function *Function
	Parent   *Block
}

// Contains returns true if pc is inside the block.
func (b *Block) Contains(pc uint64) bool {
	return pc >= b.Start && pc < b.End
}

// Symbol is a label symbol.
type Symbol struct {
	Name  string
	Block *Block
	// Desc is the procedure descriptor attached to the symbol, nil when no
	// static frame information is available for the function.
	Desc *pdr.Descriptor
}

// Symtab is the symbol table of one image.
type Symtab struct {
	funcs  []*Function // sorted by Entry
	blocks []*Block    // one per function, same order as funcs
	static *Block
	names  *trie.Trie
	labels map[*Block]map[string]*Symbol
}

// NewSymtab returns a symbol table for the given functions. Functions
// with a zero End are only used to guess function starts and are not
// given a block.
func NewSymtab(funcs []Function) *Symtab {
	st := &Symtab{
		names:  trie.New(),
		labels: make(map[*Block]map[string]*Symbol),
	}
	for i := range funcs {
		fn := funcs[i]
		st.funcs = append(st.funcs, &fn)
	}
	sort.SliceStable(st.funcs, func(i, j int) bool {
		return st.funcs[i].Entry < st.funcs[j].Entry
	})

	st.static = &Block{}
	if len(st.funcs) > 0 {
		st.static.Start = st.funcs[0].Entry
	}
	for _, fn := range st.funcs {
		if fn.End > st.static.End {
			st.static.End = fn.End
		}
		if fn.Name != "" {
			if _, dup := st.names.Find(fn.Name); !dup {
				st.names.Add(fn.Name, fn)
			}
		}
		if fn.End > fn.Entry {
			st.blocks = append(st.blocks, &Block{Start: fn.Entry, End: fn.End, Function: fn, Parent: st.static})
		}
	}
	return st
}

// Funcs returns all functions, sorted by entry point.
func (st *Symtab) Funcs() []*Function {
	return st.funcs
}

// BestGuessFunctionStart implements SymbolTable.
func (st *Symtab) BestGuessFunctionStart(pc uint64) (uint64, bool) {
	fn := st.PCToFunc(pc)
	if fn == nil {
		return 0, false
	}
	return fn.Entry, true
}

// PCToFunc returns the function with the greatest entry point not after pc.
func (st *Symtab) PCToFunc(pc uint64) *Function {
	i := sort.Search(len(st.funcs), func(i int) bool {
		return st.funcs[i].Entry > pc
	})
	if i == 0 {
		return nil
	}
	return st.funcs[i-1]
}

// BlockContaining implements SymbolTable.
func (st *Symtab) BlockContaining(pc uint64) *Block {
	i := sort.Search(len(st.blocks), func(i int) bool {
		return st.blocks[i].Start > pc
	})
	for i--; i >= 0; i-- {
		if st.blocks[i].Contains(pc) {
			return st.blocks[i]
		}
	}
	if st.static.Contains(pc) {
		return st.static
	}
	return nil
}

// LookupLabel implements SymbolTable. The label is searched in block and
// then in its enclosing blocks.
func (st *Symtab) LookupLabel(name string, block *Block) *Symbol {
	for b := block; b != nil; b = b.Parent {
		if sym := st.labels[b][name]; sym != nil {
			return sym
		}
	}
	return nil
}

// AddLabel attaches a label symbol to block. A nil desc records that the
// function has no static frame information.
func (st *Symtab) AddLabel(block *Block, name string, desc *pdr.Descriptor) *Symbol {
	m := st.labels[block]
	if m == nil {
		m = make(map[string]*Symbol)
		st.labels[block] = m
	}
	sym := &Symbol{Name: name, Block: block, Desc: desc}
	m[name] = sym
	return sym
}

// LookupFunc returns the function called name, or nil.
func (st *Symtab) LookupFunc(name string) *Function {
	node, ok := st.names.Find(name)
	if !ok {
		return nil
	}
	fn, _ := node.Meta().(*Function)
	return fn
}

// FuncsWithPrefix returns the names of all functions starting with prefix,
// sorted.
func (st *Symtab) FuncsWithPrefix(prefix string) []string {
	var r []string
	if prefix == "" {
		r = st.names.Keys()
	} else {
		r = st.names.PrefixSearch(prefix)
	}
	sort.Strings(r)
	return r
}
