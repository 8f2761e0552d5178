package vm

import (
	"bytes"
	"testing"

	"gophervm/kernel"
	"gophervm/kernel/fs"
	"gophervm/kernel/mm"

	"github.com/pkg/errors"
)

func TestFileRef(t *testing.T) {
	var (
		guard fs.Guard
		file  = fs.NewMemFile([]byte("abc"))
		ref   = newFileRef(file)
	)

	ref.acquire()
	ref.acquire()

	if err := ref.release(&guard); err != nil {
		t.Fatal(err)
	}

	if _, err := file.Length(); err != nil {
		t.Fatal("expected file to stay open while referenced")
	}

	if err := ref.release(&guard); err != nil {
		t.Fatal(err)
	}

	if _, err := file.Length(); err != fs.ErrClosed {
		t.Fatalf("expected file to be closed after the last release; got %v", err)
	}
}

func TestFileRefDuplicate(t *testing.T) {
	var (
		guard fs.Guard
		ref   = newFileRef(fs.NewMemFile([]byte("abc"))).acquire()
		dups  = make(map[*fileRef]*fileRef)
	)

	first, err := ref.duplicate(&guard, dups)
	if err != nil {
		t.Fatal(err)
	}

	second, err := ref.duplicate(&guard, dups)
	if err != nil {
		t.Fatal(err)
	}

	if first != second || first == ref || first.refs != 2 {
		t.Fatal("expected duplicates of one reference to share a single new handle")
	}
}

func TestLazyLoad(t *testing.T) {
	var (
		guard    fs.Guard
		contents = pattern(1, 100)
		ref      = newFileRef(fs.NewMemFile(contents)).acquire()
	)

	data := bytes.Repeat([]byte{0xff}, int(mm.PageSize))
	aux := &LoadInfo{Offset: 10, ReadBytes: 50, ZeroBytes: mm.PageSize - 50, file: ref}
	if err := LazyLoad(&guard, data, aux); err != nil {
		t.Fatal(err)
	}

	exp := make([]byte, mm.PageSize)
	copy(exp, contents[10:60])
	if !bytes.Equal(data, exp) {
		t.Fatal("expected page to hold the file range followed by zeros")
	}

	// The file is shorter than the recorded range.
	aux = &LoadInfo{Offset: 90, ReadBytes: 50, file: ref}
	err := LazyLoad(&guard, data, aux)
	if !errors.Is(err, errShortRead) {
		t.Fatalf("expected errShortRead; got %v", err)
	}

	if kernel.KindOf(err) != kernel.KindFaultFatal {
		t.Fatalf("expected a fatal fault; got kind %s", kernel.KindOf(err))
	}

	// No file: zero-filled page.
	data[0] = 1
	if err = LazyLoad(&guard, data, nil); err != nil || data[0] != 0 {
		t.Fatalf("expected zero-filled page; got %v", err)
	}
}
