package mm

import "fmt"

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// SizeOfPages returns the size of count pages.
func SizeOfPages(count uint32) Size {
	return Size(count) * Size(PageSize)
}

// String implements fmt.Stringer using the largest unit that divides the
// size evenly.
func (s Size) String() string {
	switch {
	case s >= Gb && s%Gb == 0:
		return fmt.Sprintf("%d GB", s/Gb)
	case s >= Mb && s%Mb == 0:
		return fmt.Sprintf("%d MB", s/Mb)
	case s >= Kb && s%Kb == 0:
		return fmt.Sprintf("%d KB", s/Kb)
	default:
		return fmt.Sprintf("%d B", uint64(s))
	}
}
