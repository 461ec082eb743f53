package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/bkdgo/store"
)

var (
	// ErrFormat reports an unrecognized codec name or an unsupported version.
	ErrFormat = errors.New("codec: unsupported format")
	// ErrCorruption reports a damaged file: bad magic, checksum mismatch,
	// truncation, or a segment identity that does not match expectations.
	ErrCorruption = errors.New("codec: corrupted file")
)

const (
	headerMagic uint32 = 0x424b4430 // "BKD0"
	footerMagic uint32 = ^headerMagic

	// SegmentIDLength is the length of the segment identity in headers.
	SegmentIDLength = 16

	// FooterLength is the fixed byte length of the checksum footer:
	// magic (4) + algorithm id (4) + checksum (8).
	FooterLength = 16

	maxNameLength = 127
)

// WriteHeader writes a versioned file header: magic, codec name, version,
// 16-byte segment identity and the segment suffix.
func WriteHeader(out store.IndexOutput, codecName string, version uint32, segmentID [SegmentIDLength]byte, suffix string) error {
	if len(codecName) > maxNameLength {
		return fmt.Errorf("%w: codec name too long (%d bytes)", ErrFormat, len(codecName))
	}
	if len(suffix) > maxNameLength {
		return fmt.Errorf("%w: segment suffix too long (%d bytes)", ErrFormat, len(suffix))
	}
	if err := WriteUint32(out, headerMagic); err != nil {
		return err
	}
	if err := WriteString(out, codecName); err != nil {
		return err
	}
	if err := WriteUint32(out, version); err != nil {
		return err
	}
	if _, err := out.Write(segmentID[:]); err != nil {
		return err
	}
	return WriteString(out, suffix)
}

// CheckHeader reads a header and validates the codec name, that the version
// falls in [minVersion, maxVersion], and the segment identity and suffix.
// It returns the version found.
func CheckHeader(in store.DataInput, codecName string, minVersion, maxVersion uint32, segmentID [SegmentIDLength]byte, suffix string) (uint32, error) {
	magic, err := ReadUint32(in)
	if err != nil {
		return 0, fmt.Errorf("%w: reading header magic: %w", ErrCorruption, err)
	}
	if magic != headerMagic {
		return 0, fmt.Errorf("%w: bad header magic 0x%08x (expected 0x%08x)", ErrCorruption, magic, headerMagic)
	}
	name, err := ReadString(in)
	if err != nil {
		return 0, fmt.Errorf("%w: reading codec name: %w", ErrCorruption, err)
	}
	if name != codecName {
		return 0, fmt.Errorf("%w: codec name %q (expected %q)", ErrFormat, name, codecName)
	}
	version, err := ReadUint32(in)
	if err != nil {
		return 0, fmt.Errorf("%w: reading version: %w", ErrCorruption, err)
	}
	if version < minVersion || version > maxVersion {
		return 0, fmt.Errorf("%w: version %d outside supported range [%d, %d]", ErrFormat, version, minVersion, maxVersion)
	}
	var id [SegmentIDLength]byte
	if _, err := io.ReadFull(ioReader(in), id[:]); err != nil {
		return 0, fmt.Errorf("%w: reading segment id: %w", ErrCorruption, err)
	}
	if !bytes.Equal(id[:], segmentID[:]) {
		return 0, fmt.Errorf("%w: segment id mismatch: file belongs to a different segment", ErrCorruption)
	}
	gotSuffix, err := ReadString(in)
	if err != nil {
		return 0, fmt.Errorf("%w: reading segment suffix: %w", ErrCorruption, err)
	}
	if gotSuffix != suffix {
		return 0, fmt.Errorf("%w: segment suffix %q (expected %q)", ErrCorruption, gotSuffix, suffix)
	}
	return version, nil
}

// WriteFooter writes the checksum footer. The checksum covers every byte of
// the file before the checksum field itself, including the footer magic and
// algorithm id.
func WriteFooter(out store.IndexOutput) error {
	if err := WriteUint32(out, footerMagic); err != nil {
		return err
	}
	if err := WriteUint32(out, uint32(out.Algorithm())); err != nil {
		return err
	}
	sum := out.Checksum()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], sum)
	_, err := out.Write(buf[:])
	return err
}

// CheckFooter validates the footer of a fully consumed checksummed input.
// priorErr is an error observed while parsing the file body; checksum
// verification still runs so that corruption takes precedence over secondary
// parse errors.
func CheckFooter(in store.ChecksumIndexInput, priorErr error) error {
	if priorErr != nil {
		// Drain whatever the body parser left behind so the checksum covers
		// the whole payload.
		if remaining := in.Length() - FooterLength - in.FilePointer(); remaining > 0 {
			if err := in.SkipBytes(remaining); err != nil {
				return fmt.Errorf("%w: %w", ErrCorruption, err)
			}
		}
	}
	if remaining := in.Length() - in.FilePointer(); remaining != FooterLength {
		return fmt.Errorf("%w: misplaced checksum footer: %d bytes remain (expected %d)", ErrCorruption, remaining, FooterLength)
	}
	magic, err := ReadUint32(in)
	if err != nil {
		return fmt.Errorf("%w: reading footer magic: %w", ErrCorruption, err)
	}
	if magic != footerMagic {
		return fmt.Errorf("%w: bad footer magic 0x%08x (expected 0x%08x)", ErrCorruption, magic, footerMagic)
	}
	algID, err := ReadUint32(in)
	if err != nil {
		return fmt.Errorf("%w: reading footer algorithm: %w", ErrCorruption, err)
	}
	if algID > 255 || store.Algorithm(algID) != in.Algorithm() {
		return fmt.Errorf("%w: footer checksum algorithm %d does not match input algorithm %s", ErrCorruption, algID, in.Algorithm())
	}
	actual := in.Checksum()
	expected, err := readRawUint64(in)
	if err != nil {
		return fmt.Errorf("%w: reading footer checksum: %w", ErrCorruption, err)
	}
	if actual != expected {
		return fmt.Errorf("%w: checksum mismatch: expected 0x%016x, got 0x%016x", ErrCorruption, expected, actual)
	}
	return priorErr
}

// RetrieveChecksum validates the structural presence of a footer (magic and
// algorithm id) at the end of in without hashing the file body, and returns
// the stored checksum. This detects truncation cheaply at open time.
func RetrieveChecksum(in store.IndexInput) (uint64, error) {
	if in.Length() < FooterLength {
		return 0, fmt.Errorf("%w: file too short (%d bytes) to hold a checksum footer", ErrCorruption, in.Length())
	}
	if err := in.Seek(in.Length() - FooterLength); err != nil {
		return 0, err
	}
	magic, err := ReadUint32(in)
	if err != nil {
		return 0, fmt.Errorf("%w: reading footer magic: %w", ErrCorruption, err)
	}
	if magic != footerMagic {
		return 0, fmt.Errorf("%w: bad footer magic 0x%08x: file is truncated or not closed cleanly", ErrCorruption, magic)
	}
	algID, err := ReadUint32(in)
	if err != nil {
		return 0, fmt.Errorf("%w: reading footer algorithm: %w", ErrCorruption, err)
	}
	if _, hashErr := store.Algorithm(algID).NewHash(); algID > 255 || hashErr != nil {
		return 0, fmt.Errorf("%w: unknown footer checksum algorithm %d", ErrCorruption, algID)
	}
	return readRawUint64(in)
}

// ChecksumEntireFile re-reads the whole file through the footer's checksum
// algorithm and verifies the stored value. This is the deferred full-content
// verification for large data files.
func ChecksumEntireFile(in store.IndexInput) error {
	clone := in.Clone()
	expected, err := RetrieveChecksum(clone)
	if err != nil {
		return err
	}
	if err := clone.Seek(in.Length() - FooterLength + 4); err != nil {
		return err
	}
	algID, err := ReadUint32(clone)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorruption, err)
	}
	h, err := store.Algorithm(algID).NewHash()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorruption, err)
	}
	if err := clone.Seek(0); err != nil {
		return err
	}
	// Everything up to the 8-byte checksum field is covered.
	if _, err := io.CopyN(h, ioReader(clone), in.Length()-8); err != nil {
		return fmt.Errorf("%w: hashing file contents: %w", ErrCorruption, err)
	}
	if actual := h.Sum64(); actual != expected {
		return fmt.Errorf("%w: checksum mismatch: expected 0x%016x, got 0x%016x", ErrCorruption, expected, actual)
	}
	return nil
}

func readRawUint64(in store.DataInput) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(ioReader(in), buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ioReader adapts a DataInput to io.Reader for stdlib helpers.
func ioReader(in store.DataInput) io.Reader { return in }
