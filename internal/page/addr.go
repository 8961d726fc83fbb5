package page

import "unsafe"

// addrOf returns the address of a byte slice's backing array. Used
// only to turn an OS-mapped []byte (from unix.Mmap) into the uintptr
// arithmetic the rest of this package is built on.
func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// AddrOf is the exported form of addrOf, used by internal/alloc's
// large-object path to align its own direct OS mappings the same way.
func AddrOf(b []byte) uintptr { return addrOf(b) }

// AlignUp is the exported form of alignUp, see blockalloc.go.
func AlignUp(p, align uintptr) uintptr { return alignUp(p, align) }
