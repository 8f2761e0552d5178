package vm

import (
	"gophervm/kernel"
	"gophervm/kernel/fs"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mm"

	"github.com/pkg/errors"
)

// Type identifies the kind of backing store of a page.
type Type uint8

const (
	// TypeUninit is the type of a page that has not been loaded yet. Type
	// never reports it; pages report the type they will become instead.
	TypeUninit Type = iota

	// TypeAnon is the type of pages backed by swap.
	TypeAnon

	// TypeFile is the type of pages backed by a file range.
	TypeFile
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case TypeUninit:
		return "uninit"
	case TypeAnon:
		return "anon"
	case TypeFile:
		return "file"
	default:
		return "unknown"
	}
}

// MappingID identifies the mmap call that created a file-backed page. Pages
// that were not created by mmap have mapping id 0.
type MappingID uint32

// Initializer populates the contents of a page the first time it is loaded.
// data is the frame the page is being loaded into.
type Initializer func(guard *fs.Guard, data []byte, aux *LoadInfo) error

// LoadInfo describes the file range that lazily populates a page. It is
// dropped once the page is loaded.
type LoadInfo struct {
	// Offset is the file offset of the first byte of the page.
	Offset int64

	// ReadBytes is the number of bytes read from the file. The remaining
	// ZeroBytes bytes of the page are zero-filled.
	ReadBytes uintptr
	ZeroBytes uintptr

	file    *fileRef
	mapping MappingID
}

// File returns the file that backs the page.
func (l *LoadInfo) File() fs.File {
	if l.file == nil {
		return nil
	}
	return l.file.file
}

// pageState is the variant part of a page. Its implementations are
// uninitState, anonState and fileState.
type pageState interface {
	pageType() Type
}

type uninitState struct {
	init   Initializer
	aux    *LoadInfo
	target Type
}

func (*uninitState) pageType() Type { return TypeUninit }

type anonState struct {
	slot    SwapSlot
	swapped bool
}

func (*anonState) pageType() Type { return TypeAnon }

type fileState struct {
	file      *fileRef
	offset    int64
	readBytes uintptr
	mapping   MappingID
}

func (*fileState) pageType() Type { return TypeFile }

// Page describes one page of a user address space.
type Page struct {
	va       uintptr
	writable bool
	stack    bool
	state    pageState

	// frame is the frame the page is bound to or mm.InvalidFrame if the
	// page is not resident. Guarded by the frame table lock.
	frame mm.Frame
}

// NewAnonPage returns a zero-filled anonymous page for the page containing va.
func NewAnonPage(va uintptr, writable bool) *Page {
	return &Page{
		va:       mm.PageRoundDown(va),
		writable: writable,
		state:    &anonState{},
		frame:    mm.InvalidFrame,
	}
}

// NewUninitPage returns a page that becomes a page of the target type the
// first time it is loaded by running init with aux.
func NewUninitPage(va uintptr, writable bool, target Type, init Initializer, aux *LoadInfo) *Page {
	switch {
	case target != TypeAnon && target != TypeFile:
		kfmt.Panic(errors.Wrapf(errUnknownPageState, "uninit page target %s", target))
	case target == TypeFile && (aux == nil || aux.file == nil):
		kfmt.Panic(errors.Wrapf(errUnknownPageState, "file page 0x%x without a file", va))
	}

	return &Page{
		va:       mm.PageRoundDown(va),
		writable: writable,
		state:    &uninitState{init: init, aux: aux, target: target},
		frame:    mm.InvalidFrame,
	}
}

// VA returns the page-aligned address of the page.
func (p *Page) VA() uintptr { return p.va }

// Writable returns true if user code may write to the page.
func (p *Page) Writable() bool { return p.writable }

// IsStack returns true if the page was created by stack growth.
func (p *Page) IsStack() bool { return p.stack }

// IsUninit returns true if the page was never loaded.
func (p *Page) IsUninit() bool {
	_, uninit := p.state.(*uninitState)
	return uninit
}

// Type returns the type of the page. Pages that were never loaded report the
// type they will have once loaded.
func (p *Page) Type() Type {
	if st, ok := p.state.(*uninitState); ok {
		return st.target
	}
	return p.state.pageType()
}

// MappingID returns the mmap mapping the page belongs to.
func (p *Page) MappingID() MappingID {
	switch st := p.state.(type) {
	case *uninitState:
		if st.aux != nil {
			return st.aux.mapping
		}
	case *fileState:
		return st.mapping
	}
	return 0
}

// swapIn loads the contents of the page into data.
func (p *Page) swapIn(ft *FrameTable, data []byte) error {
	switch st := p.state.(type) {
	case *uninitState:
		var err error
		if st.init != nil {
			err = st.init(ft.guard, data, st.aux)
		} else {
			kernel.Memset(data, 0)
		}
		if err != nil {
			return err
		}
		return p.realize(ft, st)
	case *anonState:
		if !st.swapped {
			kernel.Memset(data, 0)
			return nil
		}
		if err := ft.swap.load(st.slot, data); err != nil {
			return err
		}
		ft.swap.free(st.slot)
		st.swapped = false
		ft.stats.SwapIns++
		return nil
	case *fileState:
		return loadFileRange(ft.guard, data, st.file.file, st.offset, st.readBytes)
	default:
		kfmt.Panic(errUnknownPageState)
		return errUnknownPageState
	}
}

// realize replaces the uninit state of p with the state of its target type.
func (p *Page) realize(ft *FrameTable, st *uninitState) error {
	aux := st.aux
	switch st.target {
	case TypeAnon:
		p.state = &anonState{}
		if aux != nil && aux.file != nil {
			return aux.file.release(ft.guard)
		}
	case TypeFile:
		p.state = &fileState{
			file:      aux.file,
			offset:    aux.Offset,
			readBytes: aux.ReadBytes,
			mapping:   aux.mapping,
		}
	default:
		kfmt.Panic(errUnknownPageState)
	}

	return nil
}

// swapOut saves the contents of the resident page held in data so that its
// frame can be reused.
func (p *Page) swapOut(ft *FrameTable, data []byte, dirty bool) error {
	switch st := p.state.(type) {
	case *uninitState:
		return errors.Wrapf(ErrInconsistentBinding, "uninit page 0x%x is resident", p.va)
	case *anonState:
		slot, err := ft.swap.store(data)
		if err != nil {
			return err
		}
		st.slot, st.swapped = slot, true
		ft.stats.SwapOuts++
		return nil
	case *fileState:
		if !dirty {
			return nil
		}
		ft.stats.SwapOuts++
		return writeFileRange(ft.guard, data, st.file.file, st.offset, st.readBytes)
	default:
		kfmt.Panic(errUnknownPageState)
		return errUnknownPageState
	}
}

// destroy releases the resources held by the page. data holds the page
// contents if the page is resident and is nil otherwise. Dirty file pages
// are written back first.
func (p *Page) destroy(ft *FrameTable, data []byte, dirty bool) error {
	switch st := p.state.(type) {
	case *uninitState:
		if st.aux != nil && st.aux.file != nil {
			return st.aux.file.release(ft.guard)
		}
		return nil
	case *anonState:
		if st.swapped {
			ft.swap.free(st.slot)
			st.swapped = false
		}
		return nil
	case *fileState:
		var err error
		if data != nil && dirty {
			err = writeFileRange(ft.guard, data, st.file.file, st.offset, st.readBytes)
		}
		if relErr := st.file.release(ft.guard); err == nil {
			err = relErr
		}
		return err
	default:
		kfmt.Panic(errUnknownPageState)
		return errUnknownPageState
	}
}

// clone returns a non-resident copy of p for another address space. File
// handles are duplicated through dups so that pages sharing a handle in the
// source share one in the copy as well.
func (p *Page) clone(guard *fs.Guard, dups map[*fileRef]*fileRef) (*Page, error) {
	np := &Page{va: p.va, writable: p.writable, stack: p.stack, frame: mm.InvalidFrame}

	switch st := p.state.(type) {
	case *uninitState:
		nst := &uninitState{init: st.init, target: st.target}
		if st.aux != nil {
			aux := *st.aux
			if st.aux.file != nil {
				ref, err := st.aux.file.duplicate(guard, dups)
				if err != nil {
					return nil, err
				}
				aux.file = ref
			}
			nst.aux = &aux
		}
		np.state = nst
	case *anonState:
		np.state = &anonState{}
	case *fileState:
		ref, err := st.file.duplicate(guard, dups)
		if err != nil {
			return nil, err
		}
		np.state = &fileState{file: ref, offset: st.offset, readBytes: st.readBytes, mapping: st.mapping}
	default:
		kfmt.Panic(errUnknownPageState)
	}

	return np, nil
}
