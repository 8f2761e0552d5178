package fs

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// OSFile is a File backed by a host file.
type OSFile struct {
	f    *os.File
	flag int
}

// OpenOSFile opens the host file at path with the given os.OpenFile flags.
func OpenOSFile(path string, flag int) (*OSFile, error) {
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "fs")
	}

	return &OSFile{f: f, flag: flag &^ (os.O_CREATE | os.O_EXCL | os.O_TRUNC)}, nil
}

// Read implements io.Reader.
func (f *OSFile) Read(p []byte) (int, error) {
	return f.f.Read(p)
}

// Write implements io.Writer.
func (f *OSFile) Write(p []byte) (int, error) {
	return f.f.Write(p)
}

// WriteAt implements io.WriterAt.
func (f *OSFile) WriteAt(p []byte, off int64) (int, error) {
	return f.f.WriteAt(p, off)
}

// Seek implements File.
func (f *OSFile) Seek(pos int64) error {
	if pos < 0 {
		return errNegativeOffset
	}

	_, err := f.f.Seek(pos, io.SeekStart)
	return err
}

// Tell implements File.
func (f *OSFile) Tell() int64 {
	pos, err := f.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0
	}

	return pos
}

// Length implements File.
func (f *OSFile) Length() (int64, error) {
	info, err := f.f.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, "stat %s", f.f.Name())
	}

	return info.Size(), nil
}

// Duplicate implements File by opening the same path again.
func (f *OSFile) Duplicate() (File, error) {
	return OpenOSFile(f.f.Name(), f.flag)
}

// Close implements File.
func (f *OSFile) Close() error {
	return f.f.Close()
}

// OSFS opens host files below a root directory.
type OSFS struct {
	Root string

	// Flag is passed to os.OpenFile; defaults to os.O_RDWR.
	Flag int
}

// Open implements FileSystem.
func (fsys OSFS) Open(name string) (File, error) {
	flag := fsys.Flag
	if flag == 0 {
		flag = os.O_RDWR
	}

	f, err := OpenOSFile(filepath.Join(fsys.Root, name), flag)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil, errors.Wrapf(ErrNotFound, "open %q", name)
		}
		return nil, err
	}

	return f, nil
}
