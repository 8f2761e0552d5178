package vm

import (
	"bytes"
	"testing"

	"gophervm/kernel/fs"
	"gophervm/kernel/mm"
)

// newTestFrameTable returns a frame table that is closed when the test ends.
func newTestFrameTable(t *testing.T, frames, slots uint32) *FrameTable {
	t.Helper()

	ft, err := NewFrameTable(Config{UserFrames: frames, SwapSlots: slots}, &fs.Guard{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ft.Close() })
	return ft
}

// pattern returns size bytes whose values depend on seed and position.
func pattern(seed byte, size int) []byte {
	out := make([]byte, size)
	for i := range out {
		out[i] = seed + byte(i*7)
	}
	return out
}

func mustReadUser(t *testing.T, as *AddressSpace, va uintptr, size int) []byte {
	t.Helper()

	buf := make([]byte, size)
	if n, err := as.ReadUser(va, buf); err != nil || n != size {
		t.Fatalf("ReadUser(0x%x, %d): read %d bytes; err: %v", va, size, n, err)
	}
	return buf
}

func mustWriteUser(t *testing.T, as *AddressSpace, va uintptr, data []byte) {
	t.Helper()

	if n, err := as.WriteUser(va, data); err != nil || n != len(data) {
		t.Fatalf("WriteUser(0x%x, %d): wrote %d bytes; err: %v", va, len(data), n, err)
	}
}

func TestInit(t *testing.T) {
	defer func(orig *FrameTable) {
		frameTable = orig
	}(frameTable)

	cfg := Config{UserFrames: 4, SwapSlots: 2}
	if err := Init(cfg); err != nil {
		t.Fatal(err)
	}
	defer Frames().Close()

	stats := Frames().Stats()
	if stats.TotalFrames != 4 || stats.FreeFrames != 4 || stats.SwapSlots != 2 {
		t.Fatalf("unexpected frame table stats: %+v", stats)
	}

	if err := Init(Config{}); err == nil {
		t.Fatal("expected Init with an empty user pool to fail")
	}

	if def := DefaultConfig(); def.UserFrames == 0 || def.SwapSlots == 0 {
		t.Fatalf("expected a non-empty default config; got %+v", def)
	}
}

func TestAddressSpaceDestroy(t *testing.T) {
	ft := newTestFrameTable(t, 2, 4)
	as := NewAddressSpace(ft)

	for i := uintptr(0); i < 3; i++ {
		va := 0x1000000 + i*mm.PageSize
		if err := as.SPT().Insert(NewAnonPage(va, true)); err != nil {
			t.Fatal(err)
		}
		mustWriteUser(t, as, va, []byte{byte(i)})
	}

	if err := as.Destroy(); err != nil {
		t.Fatal(err)
	}

	stats := ft.Stats()
	if stats.FreeFrames != stats.TotalFrames || stats.ResidentFrames != 0 {
		t.Fatalf("expected every frame to be released; got %+v", stats)
	}

	if stats.UsedSwapSlots != 0 {
		t.Fatalf("expected every swap slot to be released; got %d in use", stats.UsedSwapSlots)
	}

	if _, registered := ft.spaces[as.ID()]; registered {
		t.Fatal("expected address space to be unregistered")
	}
}

func TestAccessUserSpansPages(t *testing.T) {
	ft := newTestFrameTable(t, 4, 0)
	as := NewAddressSpace(ft)

	base := uintptr(0x2000000)
	for i := uintptr(0); i < 2; i++ {
		if err := as.SPT().Insert(NewAnonPage(base+i*mm.PageSize, true)); err != nil {
			t.Fatal(err)
		}
	}

	data := pattern(3, 64)
	va := base + mm.PageSize - 32
	mustWriteUser(t, as, va, data)

	if got := mustReadUser(t, as, va, len(data)); !bytes.Equal(got, data) {
		t.Fatal("expected data written across a page boundary to be read back")
	}

	if exp, got := uint64(2), as.Faults(); got != exp {
		t.Fatalf("expected %d faults; got %d", exp, got)
	}
}
