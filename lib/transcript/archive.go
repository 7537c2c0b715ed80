// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ArchiveExt is appended to a transcript filename when it is archived.
const ArchiveExt = ".ghz"

// CompressionTag identifies the compression algorithm inside an
// archive. The values are format constants — changing them breaks
// existing archives.
type CompressionTag uint8

const (
	// CompressionNone stores the transcript as-is, used when probing
	// finds the content incompressible.
	CompressionNone CompressionTag = 0

	// CompressionLZ4 is the fast fallback for content that compresses
	// only modestly.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd is the usual choice: transcripts are JSON text
	// and compress several-fold at level 3.
	CompressionZstd CompressionTag = 2
)

// String returns the human-readable name of a compression tag.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(tag))
	}
}

// archiveMagic opens every archive file, followed by a format version
// byte, the compression tag, the uncompressed size as a uvarint, and
// the payload.
var archiveMagic = []byte("GHTX")

const archiveVersion = 1

// zstdEncoder and zstdDecoder are reused across calls; both are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("transcript: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("transcript: zstd decoder initialization failed: " + err.Error())
	}
}

// errIncompressible signals that compression produced no size win and
// the caller should store the data untagged.
var errIncompressible = errors.New("data is incompressible")

func compress(data []byte, tag CompressionTag) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(data))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:written], nil
	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

func decompress(compressed []byte, tag CompressionTag, uncompressedSize int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(compressed) != uncompressedSize {
			return nil, fmt.Errorf("uncompressed payload: size %d does not match recorded %d", len(compressed), uncompressedSize)
		}
		return compressed, nil
	case CompressionLZ4:
		destination := make([]byte, uncompressedSize)
		read, err := lz4.UncompressBlock(compressed, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != uncompressedSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
		}
		return destination, nil
	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != uncompressedSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// selectCompression probes with zstd: a ratio of 1.5x or better keeps
// zstd, a modest win switches to the cheaper LZ4, anything below 1.1x
// is stored raw.
func selectCompression(data []byte) CompressionTag {
	if len(data) == 0 {
		return CompressionNone
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	ratio := float64(len(data)) / float64(len(compressed))
	switch {
	case ratio >= 1.5:
		return CompressionZstd
	case ratio >= 1.1:
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

func encodeArchive(data []byte) ([]byte, CompressionTag, error) {
	tag := selectCompression(data)
	payload, err := compress(data, tag)
	if errors.Is(err, errIncompressible) {
		tag, payload = CompressionNone, data
	} else if err != nil {
		return nil, 0, err
	}

	header := make([]byte, 0, len(archiveMagic)+2+binary.MaxVarintLen64)
	header = append(header, archiveMagic...)
	header = append(header, archiveVersion, byte(tag))
	header = binary.AppendUvarint(header, uint64(len(data)))
	return append(header, payload...), tag, nil
}

func decodeArchive(raw []byte) ([]byte, error) {
	if !bytes.HasPrefix(raw, archiveMagic) {
		return nil, errors.New("not a transcript archive: bad magic")
	}
	rest := raw[len(archiveMagic):]
	if len(rest) < 2 {
		return nil, errors.New("transcript archive truncated")
	}
	if rest[0] != archiveVersion {
		return nil, fmt.Errorf("unsupported archive version %d", rest[0])
	}
	tag := CompressionTag(rest[1])
	rest = rest[2:]

	size, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, errors.New("transcript archive: bad size header")
	}
	return decompress(rest[n:], tag, int(size))
}

// Archive compresses a session's transcript and removes the original,
// returning the archive path. The original is deleted only after the
// archive has been read back and verified byte-identical. Archiving a
// session that may still receive appends is the caller's mistake;
// archive closed sessions only.
func (s *Store) Archive(agentID, sessionID string) (string, error) {
	livePath, err := s.sessionPath(agentID, sessionID)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(livePath)
	if err != nil {
		return "", fmt.Errorf("transcript: reading %s: %w", livePath, err)
	}

	encoded, tag, err := encodeArchive(data)
	if err != nil {
		return "", fmt.Errorf("transcript: archiving %s: %w", livePath, err)
	}

	archivePath := livePath + ArchiveExt
	tmpPath := archivePath + ".tmp"
	if err := writeFileSync(tmpPath, encoded); err != nil {
		return "", fmt.Errorf("transcript: writing archive: %w", err)
	}

	// Round-trip the temp file before touching the original.
	written, err := os.ReadFile(tmpPath)
	if err == nil {
		var decoded []byte
		decoded, err = decodeArchive(written)
		if err == nil && !bytes.Equal(decoded, data) {
			err = errors.New("round-trip mismatch")
		}
	}
	if err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("transcript: verifying archive: %w", err)
	}

	if err := os.Rename(tmpPath, archivePath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("transcript: placing archive: %w", err)
	}
	if err := os.Remove(livePath); err != nil {
		return "", fmt.Errorf("transcript: removing archived original: %w", err)
	}

	s.logger.Info("transcript archived",
		"agent_id", agentID,
		"session_id", sessionID,
		"compression", tag.String(),
		"original_bytes", len(data),
		"archived_bytes", len(encoded),
	)
	return archivePath, nil
}

// ReadArchive decodes an archived transcript back into turns.
func (s *Store) ReadArchive(path string) ([]Turn, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("transcript: reading archive: %w", err)
	}
	data, err := decodeArchive(raw)
	if err != nil {
		return nil, fmt.Errorf("transcript: decoding archive %s: %w", path, err)
	}
	turns, err := parseTurns(bufio.NewScanner(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("transcript: parsing archive %s: %w", path, err)
	}
	return turns, nil
}

func writeFileSync(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
