package vm

import (
	"bytes"
	"testing"

	"gophervm/kernel/fs"
	"gophervm/kernel/mm"

	"github.com/pkg/errors"
)

func TestSPTInsertFind(t *testing.T) {
	ft := newTestFrameTable(t, 1, 0)
	spt := NewAddressSpace(ft).SPT()

	p := NewAnonPage(0x400123, true)
	if p.VA() != 0x400000 {
		t.Fatalf("expected page address to be rounded down; got 0x%x", p.VA())
	}

	if err := spt.Insert(p); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		va  uintptr
		exp *Page
	}{
		{0x400000, p},
		{0x400fff, p},
		{0x401000, nil},
		{0x3fffff, nil},
	}

	for specIndex, spec := range specs {
		if got := spt.Find(spec.va); got != spec.exp {
			t.Errorf("[spec %d] expected Find(0x%x) to return %p; got %p", specIndex, spec.va, spec.exp, got)
		}
	}

	dup := NewAnonPage(0x400800, false)
	if err := spt.Insert(dup); !errors.Is(err, ErrDuplicatePage) {
		t.Fatalf("expected ErrDuplicatePage; got %v", err)
	}

	if spt.Find(0x400000) != p || !p.Writable() {
		t.Fatal("expected a rejected insert to leave the original page untouched")
	}

	if spt.Len() != 1 {
		t.Fatalf("expected 1 page; got %d", spt.Len())
	}
}

func TestSPTRemove(t *testing.T) {
	ft := newTestFrameTable(t, 2, 0)
	as := NewAddressSpace(ft)
	spt := as.SPT()

	p := NewAnonPage(0x400000, true)
	if err := spt.Remove(p); !errors.Is(err, ErrPageNotFound) {
		t.Fatalf("expected ErrPageNotFound; got %v", err)
	}

	if err := spt.Insert(p); err != nil {
		t.Fatal(err)
	}

	if err := as.ClaimPage(p.VA()); err != nil {
		t.Fatal(err)
	}

	if ft.Stats().FreeFrames != 1 {
		t.Fatal("expected claimed page to hold a frame")
	}

	// A different page at the same address is not the registered one.
	if err := spt.Remove(NewAnonPage(0x400000, true)); !errors.Is(err, ErrPageNotFound) {
		t.Fatalf("expected ErrPageNotFound; got %v", err)
	}

	if err := spt.Remove(p); err != nil {
		t.Fatal(err)
	}

	if spt.Find(0x400000) != nil {
		t.Fatal("expected page to be removed")
	}

	if ft.Stats().FreeFrames != 2 {
		t.Fatal("expected frame of removed page to be released")
	}

	if _, present := as.PageTable().Lookup(mm.PageFromAddress(0x400000)); present {
		t.Fatal("expected mapping of removed page to be cleared")
	}
}

func TestSPTEachOrder(t *testing.T) {
	ft := newTestFrameTable(t, 1, 0)
	spt := NewAddressSpace(ft).SPT()

	for _, va := range []uintptr{0x5000, 0x1000, 0x3000, 0x2000} {
		if err := spt.Insert(NewAnonPage(va, true)); err != nil {
			t.Fatal(err)
		}
	}

	var got []uintptr
	spt.Each(func(p *Page) bool {
		got = append(got, p.VA())
		return len(got) < 3
	})

	exp := []uintptr{0x1000, 0x2000, 0x3000}
	if len(got) != len(exp) {
		t.Fatalf("expected %v; got %v", exp, got)
	}
	for i := range exp {
		if got[i] != exp[i] {
			t.Fatalf("expected %v; got %v", exp, got)
		}
	}
}

func TestSPTCopy(t *testing.T) {
	ft := newTestFrameTable(t, 8, 8)
	guard := ft.Guard()
	src := NewAddressSpace(ft)

	file := fs.NewMemFile(pattern(9, int(2*mm.PageSize)))

	// resident anonymous page
	anonVA := uintptr(0x1000000)
	if err := src.SPT().Insert(NewAnonPage(anonVA, true)); err != nil {
		t.Fatal(err)
	}
	mustWriteUser(t, src, anonVA, []byte("parent"))

	// resident dirty file page and a file page that was never loaded
	mapVA := uintptr(0x2000000)
	if _, err := src.Mmap(mapVA, int64(2*mm.PageSize), true, file, 0); err != nil {
		t.Fatal(err)
	}
	mustWriteUser(t, src, mapVA, []byte("dirty"))

	dst := NewAddressSpace(ft)
	if err := dst.SPT().Copy(src.SPT()); err != nil {
		t.Fatal(err)
	}

	if dst.SPT().Len() != src.SPT().Len() {
		t.Fatalf("expected %d pages in copy; got %d", src.SPT().Len(), dst.SPT().Len())
	}

	src.SPT().Each(func(sp *Page) bool {
		dp := dst.SPT().Find(sp.VA())
		if dp == nil {
			t.Errorf("expected page 0x%x to be copied", sp.VA())
			return true
		}

		if dp.Type() != sp.Type() || dp.Writable() != sp.Writable() || dp.IsUninit() != sp.IsUninit() {
			t.Errorf("expected copy of page 0x%x to keep its type and flags", sp.VA())
		}

		srcFrame, srcResident := ft.Resident(sp)
		dstFrame, dstResident := ft.Resident(dp)
		if srcResident != dstResident {
			t.Errorf("expected copy of page 0x%x to have the same residency", sp.VA())
		}

		if srcResident {
			if srcFrame == dstFrame {
				t.Errorf("expected copy of page 0x%x to get its own frame", sp.VA())
			}

			if !bytes.Equal(ft.FrameData(srcFrame), ft.FrameData(dstFrame)) {
				t.Errorf("expected copy of page 0x%x to have identical contents", sp.VA())
			}
		}
		return true
	})

	// Writes to either copy are private.
	mustWriteUser(t, dst, anonVA, []byte("child!"))
	if got := mustReadUser(t, src, anonVA, 6); string(got) != "parent" {
		t.Fatalf("expected parent page to be unaffected by a child write; got %q", got)
	}

	// The copy keeps the dirty bit and the second page loads from the file.
	if !dst.PageTable().IsDirty(mm.PageFromAddress(mapVA)) {
		t.Fatal("expected copied file page to stay dirty")
	}

	if got := mustReadUser(t, dst, mapVA+mm.PageSize, 16); !bytes.Equal(got, pattern(9, int(2*mm.PageSize))[mm.PageSize:mm.PageSize+16]) {
		t.Fatal("expected unloaded file page of the copy to load from the file")
	}

	if err := guard.Close(file); err != nil {
		t.Fatal(err)
	}

	if err := src.Destroy(); err != nil {
		t.Fatal(err)
	}

	if err := dst.Destroy(); err != nil {
		t.Fatal(err)
	}

	if stats := ft.Stats(); stats.FreeFrames != stats.TotalFrames {
		t.Fatalf("expected every frame to be released; got %+v", stats)
	}
}

func TestSPTCopySwappedPages(t *testing.T) {
	ft := newTestFrameTable(t, 2, 16)
	src := NewAddressSpace(ft)

	const pageCount = 4
	base := uintptr(0x3000000)
	for i := uintptr(0); i < pageCount; i++ {
		va := base + i*mm.PageSize
		if err := src.SPT().Insert(NewAnonPage(va, true)); err != nil {
			t.Fatal(err)
		}
		mustWriteUser(t, src, va, pattern(byte(i), 32))
	}

	dst, err := src.Fork()
	if err != nil {
		t.Fatal(err)
	}

	for _, as := range []*AddressSpace{src, dst} {
		for i := uintptr(0); i < pageCount; i++ {
			if got := mustReadUser(t, as, base+i*mm.PageSize, 32); !bytes.Equal(got, pattern(byte(i), 32)) {
				t.Fatalf("address space %d: unexpected contents for page %d", as.ID(), i)
			}
		}
	}

	if ft.Stats().Evictions == 0 {
		t.Fatal("expected copying to evict pages")
	}
}

func TestSPTTeardownWritesBack(t *testing.T) {
	ft := newTestFrameTable(t, 4, 0)
	as := NewAddressSpace(ft)

	file := fs.NewMemFile(bytes.Repeat([]byte{'.'}, 100))
	if _, err := as.Mmap(0x1000000, 100, true, file, 0); err != nil {
		t.Fatal(err)
	}

	mustWriteUser(t, as, 0x1000000+10, []byte("hello"))

	if err := as.SPT().Teardown(); err != nil {
		t.Fatal(err)
	}

	exp := bytes.Repeat([]byte{'.'}, 100)
	copy(exp[10:], "hello")
	if got := file.Bytes(); !bytes.Equal(got, exp) {
		t.Fatalf("expected dirty page to be written back on teardown; got %q", got)
	}

	if as.SPT().Len() != 0 {
		t.Fatal("expected teardown to remove every page")
	}
}
