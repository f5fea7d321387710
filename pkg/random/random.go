// Package random fills buffers from the system entropy devices.
package random

import (
	"io"
	"os"
)

// Filler is the byte buf is pre-filled with before any source is read.
const Filler = 0x44

// Sources are tried in order; the first one that can be opened and fully
// read wins.
var Sources = []string{"/dev/urandom", "/dev/random"}

// Fill overwrites buf with bytes from the first readable entropy source. It
// returns false when no source could be read, in which case buf holds only
// Filler bytes and must not be used where unpredictability matters.
func Fill(buf []byte) bool {
	for i := range buf {
		buf[i] = Filler
	}
	for _, src := range Sources {
		if read(src, buf) {
			return true
		}
	}
	return false
}

// Bytes returns n bytes from Fill along with its result.
func Bytes(n int) ([]byte, bool) {
	buf := make([]byte, n)
	ok := Fill(buf)
	return buf, ok
}

func read(path string, buf []byte) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	tmp := make([]byte, len(buf))
	if _, err := io.ReadFull(f, tmp); err != nil {
		return false
	}
	copy(buf, tmp)
	return true
}
