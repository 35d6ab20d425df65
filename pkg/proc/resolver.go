package proc

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/pdrwalk/pdrwalk/pkg/logflags"
	"github.com/pdrwalk/pdrwalk/pkg/pdr"
)

// DefaultResolverCacheSize is the number of pc lookups remembered by a
// Resolver when no size is given.
const DefaultResolverCacheSize = 1024

// ProcDesc is the procedure descriptor found for a pc.
type ProcDesc struct {
	*pdr.Descriptor
	// Fn is the function containing pc according to the symbol table, nil
	// if there is none.
	Fn *Function
}

// ErrNoDescriptor is returned when no procedure descriptor describes PC.
// It is not a failure: the frame has to be unwound by some other means.
type ErrNoDescriptor struct {
	PC uint64
}

func (err *ErrNoDescriptor) Error() string {
	return fmt.Sprintf("no procedure descriptor for PC %#x", err.PC)
}

// Resolver maps program counters to procedure descriptors, using the .pdr
// tables of the mapped images first and label symbols second.
type Resolver struct {
	images  *ImageRegistry
	symbols SymbolTable

	mu         sync.Mutex
	cache      *lru.Cache
	generation uint64
}

// NewResolver returns a resolver for the images of reg, using symbols to
// validate the descriptors found. A cacheSize of zero or less selects
// DefaultResolverCacheSize.
func NewResolver(reg *ImageRegistry, symbols SymbolTable, cacheSize int) *Resolver {
	if cacheSize <= 0 {
		cacheSize = DefaultResolverCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		// only returned for non-positive sizes
		panic(err)
	}
	return &Resolver{images: reg, symbols: symbols, cache: cache, generation: reg.Generation()}
}

// Resolve returns the procedure descriptor for pc, or *ErrNoDescriptor.
func (r *Resolver) Resolve(pc uint64) (*ProcDesc, error) {
	r.mu.Lock()
	if gen := r.images.Generation(); gen != r.generation {
		r.cache.Purge()
		r.generation = gen
	}
	r.mu.Unlock()

	if v, ok := r.cache.Get(pc); ok {
		if v == nil {
			return nil, &ErrNoDescriptor{pc}
		}
		return v.(*ProcDesc), nil
	}

	pd := r.resolve(pc)
	if pd == nil {
		r.cache.Add(pc, nil)
		return nil, &ErrNoDescriptor{pc}
	}
	r.cache.Add(pc, pd)
	return pd, nil
}

func (r *Resolver) resolve(pc uint64) *ProcDesc {
	logger := logflags.UnwindLogger().WithField("pc", fmt.Sprintf("%#x", pc))
	startaddr, _ := r.symbols.BestGuessFunctionStart(pc)

	if img := r.images.ImageForPC(pc); img != nil {
		table := r.images.Table(img)
		if len(table) > 0 {
			// The symbol of a local function may have been stripped, in
			// which case startaddr belongs to a preceding function. A
			// descriptor starting after it can only describe the function
			// containing pc.
			d, err := table.ForPC(pc)
			if err == nil && d.Start() <= pc && d.Start() >= startaddr {
				logger.Debugf("found %v in %s", d, img.Path)
				return &ProcDesc{Descriptor: d, Fn: r.funcAt(pc)}
			}
			if err == nil {
				logger.Debugf("rejected descriptor at %#x, symbol table start is %#x", d.Start(), startaddr)
			}
		}
	}

	b := r.symbols.BlockContaining(pc)
	if b == nil {
		return nil
	}
	if startaddr > b.Start {
		logger.Debugf("block at %#x precedes function start %#x", b.Start, startaddr)
		return nil
	}
	sym := r.symbols.LookupLabel(MdebugEFISymbolName, b)
	if sym == nil || sym.Desc == nil {
		return nil
	}
	logger.Debugf("found %v in label symbol", sym.Desc)
	return &ProcDesc{Descriptor: sym.Desc, Fn: b.Function}
}

func (r *Resolver) funcAt(pc uint64) *Function {
	if b := r.symbols.BlockContaining(pc); b != nil && b.Function != nil {
		return b.Function
	}
	return nil
}
