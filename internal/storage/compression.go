package storage

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/halcyonmed/dicom-archive/internal/errs"
	"github.com/halcyonmed/dicom-archive/internal/models"
)

// Compress encodes content with the given method. CompressionZlibWithSize
// prepends the uncompressed length as an 8-byte little-endian integer so the
// reader can pre-allocate and verify.
func Compress(method models.CompressionKind, content []byte) ([]byte, error) {
	switch method {
	case models.CompressionNone:
		return content, nil
	case models.CompressionZlibWithSize:
		var buf bytes.Buffer
		var header [8]byte
		binary.LittleEndian.PutUint64(header[:], uint64(len(content)))
		buf.Write(header[:])

		w := zlib.NewWriter(&buf)
		if _, err := w.Write(content); err != nil {
			return nil, fmt.Errorf("compressing blob: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("compressing blob: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: compression method %d", errs.ErrParameterOutOfRange, method)
	}
}

// Uncompress decodes a blob written by Compress.
func Uncompress(method models.CompressionKind, content []byte) ([]byte, error) {
	switch method {
	case models.CompressionNone:
		return content, nil
	case models.CompressionZlibWithSize:
		if len(content) < 8 {
			return nil, fmt.Errorf("%w: compressed blob too short", errs.ErrCorruptedFile)
		}
		expected := binary.LittleEndian.Uint64(content[:8])

		r, err := zlib.NewReader(bytes.NewReader(content[8:]))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrCorruptedFile, err)
		}
		defer r.Close()

		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrCorruptedFile, err)
		}
		if uint64(len(out)) != expected {
			return nil, fmt.Errorf("%w: uncompressed size mismatch", errs.ErrCorruptedFile)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: compression method %d", errs.ErrParameterOutOfRange, method)
	}
}
