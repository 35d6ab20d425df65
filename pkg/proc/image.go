package proc

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/pdrwalk/pdrwalk/pkg/logflags"
	"github.com/pdrwalk/pdrwalk/pkg/pdr"
)

// ErrUnsupportedArch is returned when an ELF file is not a MIPS object.
var ErrUnsupportedArch = errors.New("unsupported architecture - only MIPS objects are supported")

const pdrSectionName = ".pdr"

// Section is an address range mapped from an image.
type Section struct {
	Name       string
	Addr, Size uint64
}

// Contains returns true if addr is inside the section.
func (s *Section) Contains(addr uint64) bool {
	return addr >= s.Addr && addr-s.Addr < s.Size
}

// Image represents a loaded object file.
type Image struct {
	Path string
	// StaticBase is added to every address read from the file.
	StaticBase uint64
	ByteOrder  binary.ByteOrder
	// Class64 is true for ELF64 objects.
	Class64 bool

	Sections []Section
	Symbols  *Symtab

	pdrData []byte
}

// NewImage returns an image with no sections, no symbols and no .pdr data.
func NewImage(path string, order binary.ByteOrder, staticBase uint64) *Image {
	return &Image{
		Path:       path,
		StaticBase: staticBase,
		ByteOrder:  order,
		Symbols:    NewSymtab(nil),
	}
}

// AddSection maps the section at addr (not relocated) of size bytes.
func (img *Image) AddSection(name string, addr, size uint64) {
	img.Sections = append(img.Sections, Section{Name: name, Addr: addr + img.StaticBase, Size: size})
}

// SetPDRData sets the contents of the .pdr section. The image keeps its
// own copy of data.
func (img *Image) SetPDRData(data []byte) {
	img.pdrData = append([]byte(nil), data...)
}

// Contains returns true if pc is inside one of the sections of the image.
func (img *Image) Contains(pc uint64) bool {
	for i := range img.Sections {
		if img.Sections[i].Contains(pc) {
			return true
		}
	}
	return false
}

func (img *Image) buildPDRTable() pdr.Table {
	logger := logflags.PDRLogger().WithField("image", img.Path)
	if img.Class64 {
		// GAS only emits 4 byte addresses in .pdr, they are useless for
		// 64-bit objects.
		logger.Debugf("ignoring .pdr section of ELF64 object")
		return pdr.Table{}
	}
	t := pdr.Parse(img.pdrData, img.ByteOrder, img.StaticBase)
	logger.Debugf("loaded %d procedure descriptors", len(t))
	return t
}

// LoadImageElf loads the MIPS ELF file at path, relocated by staticBase.
func LoadImageElf(path string, staticBase uint64) (*Image, error) {
	exe, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer exe.Close()
	return loadImageElf(path, exe, staticBase)
}

func loadImageElf(path string, exe *elf.File, staticBase uint64) (*Image, error) {
	if exe.Machine != elf.EM_MIPS {
		return nil, ErrUnsupportedArch
	}
	logger := logflags.SymtabLogger().WithField("image", path)

	img := NewImage(path, exe.ByteOrder, staticBase)
	img.Class64 = exe.Class == elf.ELFCLASS64
	addr := func(v uint64) uint64 {
		if !img.Class64 {
			v = signExtend32(v)
		}
		return v + staticBase
	}

	for _, sec := range exe.Sections {
		if sec.Flags&elf.SHF_ALLOC == 0 || sec.Size == 0 {
			continue
		}
		img.Sections = append(img.Sections, Section{Name: sec.Name, Addr: addr(sec.Addr), Size: sec.Size})
	}

	if sec := exe.Section(pdrSectionName); sec != nil {
		data, err := sec.Data()
		if err != nil {
			logger.Warnf("could not read %s section: %v", pdrSectionName, err)
		} else {
			img.pdrData = data
		}
	}

	syms, err := exe.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("could not read symbols of %s: %w", path, err)
	}
	var funcs []Function
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Section == elf.SHN_UNDEF {
			continue
		}
		entry := addr(sym.Value)
		funcs = append(funcs, Function{Name: sym.Name, Entry: entry, End: entry + sym.Size})
	}
	img.Symbols = NewSymtab(funcs)
	logger.Debugf("loaded %d sections, %d functions, %d bytes of %s", len(img.Sections), len(funcs), len(img.pdrData), pdrSectionName)
	return img, nil
}

type lazyTable struct {
	once  sync.Once
	table pdr.Table
}

// ImageRegistry is the set of images mapped into the debugging session.
// It owns the procedure descriptor table of each image, built the first
// time it is needed.
type ImageRegistry struct {
	mu         sync.Mutex
	images     []*Image
	tables     map[*Image]*lazyTable
	generation uint64
}

// NewImageRegistry returns an empty registry.
func NewImageRegistry() *ImageRegistry {
	return &ImageRegistry{tables: make(map[*Image]*lazyTable)}
}

// Add maps img into the session.
func (r *ImageRegistry) Add(img *Image) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tables[img]; ok {
		return
	}
	r.images = append(r.images, img)
	r.tables[img] = &lazyTable{}
	r.generation++
}

// Remove unmaps img and drops its descriptor table.
func (r *ImageRegistry) Remove(img *Image) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.images {
		if r.images[i] == img {
			r.images = append(r.images[:i], r.images[i+1:]...)
			break
		}
	}
	delete(r.tables, img)
	r.generation++
}

// Images returns the mapped images in the order they were added.
func (r *ImageRegistry) Images() []*Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Image(nil), r.images...)
}

// Generation changes every time an image is added or removed.
func (r *ImageRegistry) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// ImageForPC returns the image mapping pc, or nil.
func (r *ImageRegistry) ImageForPC(pc uint64) *Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, img := range r.images {
		if img.Contains(pc) {
			return img
		}
	}
	return nil
}

// Table returns the procedure descriptor table of img, building it on the
// first call. Images that are not in the registry have an empty table.
func (r *ImageRegistry) Table(img *Image) pdr.Table {
	r.mu.Lock()
	lt := r.tables[img]
	r.mu.Unlock()
	if lt == nil {
		return pdr.Table{}
	}
	lt.once.Do(func() {
		lt.table = img.buildPDRTable()
	})
	return lt.table
}

// BestGuessFunctionStart implements SymbolTable over all mapped images.
func (r *ImageRegistry) BestGuessFunctionStart(pc uint64) (uint64, bool) {
	img := r.ImageForPC(pc)
	if img == nil {
		return 0, false
	}
	return img.Symbols.BestGuessFunctionStart(pc)
}

// BlockContaining implements SymbolTable over all mapped images.
func (r *ImageRegistry) BlockContaining(pc uint64) *Block {
	img := r.ImageForPC(pc)
	if img == nil {
		return nil
	}
	return img.Symbols.BlockContaining(pc)
}

// LookupLabel implements SymbolTable over all mapped images.
func (r *ImageRegistry) LookupLabel(name string, block *Block) *Symbol {
	for _, img := range r.Images() {
		if sym := img.Symbols.LookupLabel(name, block); sym != nil {
			return sym
		}
	}
	return nil
}

// PCToFunc returns the function containing pc in any mapped image.
func (r *ImageRegistry) PCToFunc(pc uint64) *Function {
	img := r.ImageForPC(pc)
	if img == nil {
		return nil
	}
	return img.Symbols.PCToFunc(pc)
}
