// Package models declares the persistent schema of the resource index.
package models

import "time"

// Resource is one node of the Patient/Study/Series/Instance tree. The
// internal id never leaves the process; the public id is the stable textual
// identifier exposed by the APIs.
type Resource struct {
	ID       int64        `gorm:"primaryKey;autoIncrement" json:"-"`
	Kind     ResourceKind `gorm:"not null;index" json:"kind"`
	PublicID string       `gorm:"uniqueIndex;size:64;not null" json:"public_id"`
	ParentID *int64       `gorm:"index" json:"-"`
}

func (Resource) TableName() string {
	return "resources"
}

// Metadata is a typed key/value entry owned by a resource.
type Metadata struct {
	ResourceID int64        `gorm:"primaryKey;autoIncrement:false"`
	Type       MetadataType `gorm:"primaryKey;autoIncrement:false"`
	Value      string       `gorm:"type:text;not null"`
}

func (Metadata) TableName() string {
	return "metadata"
}

// AttachedFile records one blob of the storage area owned by a resource.
type AttachedFile struct {
	ResourceID       int64           `gorm:"primaryKey;autoIncrement:false" json:"-"`
	FileType         FileContentType `gorm:"primaryKey;autoIncrement:false" json:"file_type"`
	UUID             string          `gorm:"size:36;not null;index" json:"uuid"`
	UncompressedSize int64           `gorm:"not null" json:"uncompressed_size"`
	CompressedSize   int64           `gorm:"not null" json:"compressed_size"`
	UncompressedMD5  string          `gorm:"size:32" json:"uncompressed_md5"`
	CompressedMD5    string          `gorm:"size:32" json:"compressed_md5"`
	Compression      CompressionKind `gorm:"not null" json:"compression"`
}

func (AttachedFile) TableName() string {
	return "attached_files"
}

// MainDicomTag stores the curated per-level tag summary used to answer REST
// queries without re-parsing the blob.
type MainDicomTag struct {
	ResourceID int64  `gorm:"primaryKey;autoIncrement:false"`
	TagGroup   uint16 `gorm:"primaryKey;autoIncrement:false;column:tag_group"`
	TagElement uint16 `gorm:"primaryKey;autoIncrement:false;column:tag_element"`
	Value      string `gorm:"type:text;not null"`
}

func (MainDicomTag) TableName() string {
	return "main_dicom_tags"
}

// DicomIdentifier stores the normalized identifier tags used by lookups.
type DicomIdentifier struct {
	ResourceID int64  `gorm:"primaryKey;autoIncrement:false;index:idx_identifier_value,priority:3"`
	TagGroup   uint16 `gorm:"primaryKey;autoIncrement:false;column:tag_group;index:idx_identifier_value,priority:1"`
	TagElement uint16 `gorm:"primaryKey;autoIncrement:false;column:tag_element;index:idx_identifier_value,priority:2"`
	Value      string `gorm:"type:text;not null"`
}

func (DicomIdentifier) TableName() string {
	return "dicom_identifiers"
}

// Change is one entry of the append-only change log. Seq is monotone and
// gap-free within one database.
type Change struct {
	Seq          int64        `gorm:"primaryKey;autoIncrement" json:"Seq"`
	ChangeType   ChangeType   `gorm:"not null" json:"ChangeType"`
	ResourceID   int64        `gorm:"not null" json:"-"`
	PublicID     string       `gorm:"size:64;not null" json:"ID"`
	ResourceKind ResourceKind `gorm:"not null" json:"ResourceType"`
	Date         time.Time    `gorm:"not null" json:"Date"`
}

func (Change) TableName() string {
	return "changes"
}

// PatientRecyclingOrder queues unprotected patients for recycling, oldest
// first. A protected patient has no row here.
type PatientRecyclingOrder struct {
	Seq       int64 `gorm:"primaryKey;autoIncrement"`
	PatientID int64 `gorm:"uniqueIndex;not null"`
}

func (PatientRecyclingOrder) TableName() string {
	return "patient_recycling_order"
}

// GlobalProperty is a key/value row of the global-properties area.
type GlobalProperty struct {
	Property GlobalPropertyID `gorm:"primaryKey;autoIncrement:false"`
	Value    string           `gorm:"type:text;not null"`
}

func (GlobalProperty) TableName() string {
	return "global_properties"
}
