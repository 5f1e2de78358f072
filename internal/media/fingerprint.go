package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
)

// ErrFingerprintMismatch is returned when a reopened file no longer
// matches the fingerprint recorded for it.
var ErrFingerprintMismatch = errors.New("media fingerprint mismatch")

const (
	fingerprintBlocks    = 16
	fingerprintBlockSize = 4096
)

// Fingerprint digests fingerprintBlocks equally spaced blocks of the file
// plus its size. It is a drift detector, not a cryptographic hash, and
// reads at most 64 KiB regardless of file size.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", path, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", path, err)
	}
	return FingerprintReader(f, fi.Size())
}

// FingerprintReader digests r, which must hold exactly size bytes.
func FingerprintReader(r io.ReaderAt, size int64) (string, error) {
	h := fnv.New64a()
	var sz [8]byte
	binary.LittleEndian.PutUint64(sz[:], uint64(size))
	h.Write(sz[:])

	buf := make([]byte, fingerprintBlockSize)
	step := size / fingerprintBlocks
	for i := int64(0); i < fingerprintBlocks; i++ {
		off := i * step
		if off >= size {
			break
		}
		n, err := r.ReadAt(buf, off)
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("fingerprint read at %d: %w", off, err)
		}
		h.Write(buf[:n])
		if step == 0 {
			break
		}
	}
	return fmt.Sprintf("%d-%016x", size, h.Sum64()), nil
}

// Verify returns ErrFingerprintMismatch when path no longer matches want.
func Verify(path, want string) error {
	got, err := Fingerprint(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: %s has %s, recorded %s", ErrFingerprintMismatch, path, got, want)
	}
	return nil
}
