package storage

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/halcyonmed/dicom-archive/internal/errs"
	"github.com/halcyonmed/dicom-archive/internal/models"
)

// Accessor writes and reads attachments through an Area, handling
// compression and integrity digests.
type Accessor struct {
	area        Area
	compression models.CompressionKind
}

// NewAccessor wraps area. Every new attachment is written with the given
// compression method; reads honor the method recorded per attachment.
func NewAccessor(area Area, compression models.CompressionKind) *Accessor {
	return &Accessor{area: area, compression: compression}
}

// Write stores content under a fresh uuid and returns the attachment row to
// record in the index.
func (a *Accessor) Write(resourceID int64, fileType models.FileContentType, content []byte) (models.AttachedFile, error) {
	compressed, err := Compress(a.compression, content)
	if err != nil {
		return models.AttachedFile{}, err
	}

	file := models.AttachedFile{
		ResourceID:       resourceID,
		FileType:         fileType,
		UUID:             uuid.NewString(),
		UncompressedSize: int64(len(content)),
		CompressedSize:   int64(len(compressed)),
		UncompressedMD5:  digest(content),
		CompressedMD5:    digest(compressed),
		Compression:      a.compression,
	}

	if err := a.area.Create(file.UUID, compressed); err != nil {
		return models.AttachedFile{}, err
	}
	return file, nil
}

// Read fetches and decodes the blob behind an attachment row, verifying the
// stored digests.
func (a *Accessor) Read(file models.AttachedFile) ([]byte, error) {
	compressed, err := a.area.Read(file.UUID)
	if err != nil {
		return nil, err
	}
	if file.CompressedMD5 != "" && digest(compressed) != file.CompressedMD5 {
		return nil, fmt.Errorf("%w: digest mismatch on blob %s", errs.ErrCorruptedFile, file.UUID)
	}

	content, err := Uncompress(file.Compression, compressed)
	if err != nil {
		return nil, err
	}
	if file.UncompressedMD5 != "" && digest(content) != file.UncompressedMD5 {
		return nil, fmt.Errorf("%w: digest mismatch on blob %s", errs.ErrCorruptedFile, file.UUID)
	}
	return content, nil
}

// Remove deletes the blob behind an attachment row.
func (a *Accessor) Remove(file models.AttachedFile) error {
	return a.area.Remove(file.UUID)
}

func digest(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}
