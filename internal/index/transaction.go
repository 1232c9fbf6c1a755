package index

import (
	"errors"
	"fmt"
	"time"

	"github.com/halcyonmed/dicom-archive/internal/errs"
	"github.com/halcyonmed/dicom-archive/internal/models"
	"gorm.io/gorm"
)

// Tx exposes the operations available inside a transaction. Reads see the
// writes of the same transaction; visibility across transactions follows
// commit order.
type Tx struct {
	db     *gorm.DB
	kind   TxKind
	events []event
}

func (t *Tx) writable() error {
	if t.kind != ReadWrite {
		return fmt.Errorf("%w: write inside a read-only transaction", errs.ErrBadSequenceOfCalls)
	}
	return nil
}

// CreateResource inserts a parentless resource. Creating a patient appends it
// to the recycling order.
func (t *Tx) CreateResource(publicID string, kind models.ResourceKind) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}

	res := models.Resource{Kind: kind, PublicID: publicID}
	if err := t.db.Create(&res).Error; err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}

	if kind == models.KindPatient {
		if err := t.db.Create(&models.PatientRecyclingOrder{PatientID: res.ID}).Error; err != nil {
			return 0, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
		}
	}
	return res.ID, nil
}

// AttachChild links child under parent. The parent must be exactly one level
// above the child.
func (t *Tx) AttachChild(parent, child int64) error {
	if err := t.writable(); err != nil {
		return err
	}

	p, err := t.getResource(parent)
	if err != nil {
		return err
	}
	c, err := t.getResource(child)
	if err != nil {
		return err
	}
	if expected, ok := c.Kind.Parent(); !ok || p.Kind != expected {
		return fmt.Errorf("%w: cannot attach %s under %s", errs.ErrBadRequest, c.Kind, p.Kind)
	}

	return t.db.Model(&models.Resource{}).Where("id = ?", child).
		Update("parent_id", parent).Error
}

func (t *Tx) getResource(id int64) (*models.Resource, error) {
	var res models.Resource
	if err := t.db.First(&res, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrUnknownResource
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	return &res, nil
}

// LookupResource resolves a public id to the internal id and kind.
func (t *Tx) LookupResource(publicID string) (int64, models.ResourceKind, error) {
	var res models.Resource
	if err := t.db.First(&res, "public_id = ?", publicID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, 0, errs.ErrUnknownResource
		}
		return 0, 0, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	return res.ID, res.Kind, nil
}

// GetPublicID returns the public id of an internal id.
func (t *Tx) GetPublicID(id int64) (string, error) {
	res, err := t.getResource(id)
	if err != nil {
		return "", err
	}
	return res.PublicID, nil
}

// GetResourceKind returns the kind of an internal id.
func (t *Tx) GetResourceKind(id int64) (models.ResourceKind, error) {
	res, err := t.getResource(id)
	if err != nil {
		return 0, err
	}
	return res.Kind, nil
}

// GetParent returns the parent of a resource, or ErrUnknownResource for a
// patient.
func (t *Tx) GetParent(id int64) (int64, error) {
	res, err := t.getResource(id)
	if err != nil {
		return 0, err
	}
	if res.ParentID == nil {
		return 0, errs.ErrUnknownResource
	}
	return *res.ParentID, nil
}

// GetChildren lists the internal ids of the direct children of a resource.
func (t *Tx) GetChildren(id int64) ([]int64, error) {
	var ids []int64
	if err := t.db.Model(&models.Resource{}).Where("parent_id = ?", id).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	return ids, nil
}

// GetChildrenPublicIDs lists the public ids of the direct children.
func (t *Tx) GetChildrenPublicIDs(id int64) ([]string, error) {
	var ids []string
	if err := t.db.Model(&models.Resource{}).Where("parent_id = ?", id).
		Pluck("public_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	return ids, nil
}

// DeleteResource removes the subtree rooted at id, then removes the chain of
// ancestors left childless by the deletion. The listener receives one
// SignalResourceDeleted per removed row (children first), one
// SignalFileDeleted per removed attachment, and a single
// SignalRemainingAncestor naming the nearest surviving ancestor, unless the
// deletion reached the patient level.
func (t *Tx) DeleteResource(id int64) error {
	if err := t.writable(); err != nil {
		return err
	}

	res, err := t.getResource(id)
	if err != nil {
		return err
	}
	parentID := res.ParentID

	if err := t.deleteSubtree(res); err != nil {
		return err
	}
	if err := t.logChange(models.ChangeDeleted, res); err != nil {
		return err
	}

	// Walk up, removing ancestors that lost their last child.
	for parentID != nil {
		parent, err := t.getResource(*parentID)
		if err != nil {
			return err
		}
		children, err := t.GetChildren(parent.ID)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			t.events = append(t.events, event{
				kind:     evRemainingAncestor,
				publicID: parent.PublicID,
				resource: parent.Kind,
			})
			return nil
		}
		parentID = parent.ParentID
		if err := t.deleteSubtree(parent); err != nil {
			return err
		}
	}
	return nil
}

// deleteSubtree removes res and everything below it, queueing the deletion
// events in post-order.
func (t *Tx) deleteSubtree(res *models.Resource) error {
	children, err := t.GetChildren(res.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		c, err := t.getResource(child)
		if err != nil {
			return err
		}
		if err := t.deleteSubtree(c); err != nil {
			return err
		}
	}
	return t.deleteSingle(res)
}

func (t *Tx) deleteSingle(res *models.Resource) error {
	var files []models.AttachedFile
	if err := t.db.Find(&files, "resource_id = ?", res.ID).Error; err != nil {
		return fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}

	for _, table := range []interface{}{
		&models.AttachedFile{},
		&models.Metadata{},
		&models.MainDicomTag{},
		&models.DicomIdentifier{},
	} {
		if err := t.db.Where("resource_id = ?", res.ID).Delete(table).Error; err != nil {
			return fmt.Errorf("%w: %v", errs.ErrDatabase, err)
		}
	}
	if res.Kind == models.KindPatient {
		if err := t.db.Where("patient_id = ?", res.ID).
			Delete(&models.PatientRecyclingOrder{}).Error; err != nil {
			return fmt.Errorf("%w: %v", errs.ErrDatabase, err)
		}
	}
	if err := t.db.Delete(&models.Resource{}, "id = ?", res.ID).Error; err != nil {
		return fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}

	t.events = append(t.events, event{kind: evResourceDeleted, publicID: res.PublicID, resource: res.Kind})
	for _, f := range files {
		t.events = append(t.events, event{kind: evFileDeleted, uuid: f.UUID})
	}
	return nil
}

// AddAttachment records an attachment row for a resource.
func (t *Tx) AddAttachment(file models.AttachedFile) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.getResource(file.ResourceID); err != nil {
		return err
	}
	if err := t.db.Create(&file).Error; err != nil {
		return fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	return nil
}

// DeleteAttachment removes a single attachment and schedules the deletion of
// its blob.
func (t *Tx) DeleteAttachment(id int64, fileType models.FileContentType) error {
	if err := t.writable(); err != nil {
		return err
	}
	file, err := t.LookupAttachment(id, fileType)
	if err != nil {
		return err
	}
	if err := t.db.Where("resource_id = ? AND file_type = ?", id, fileType).
		Delete(&models.AttachedFile{}).Error; err != nil {
		return fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	t.events = append(t.events, event{kind: evFileDeleted, uuid: file.UUID})
	return nil
}

// LookupAttachment fetches one attachment row.
func (t *Tx) LookupAttachment(id int64, fileType models.FileContentType) (models.AttachedFile, error) {
	var file models.AttachedFile
	err := t.db.First(&file, "resource_id = ? AND file_type = ?", id, fileType).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return file, errs.ErrInexistentItem
	}
	if err != nil {
		return file, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	return file, nil
}

// ListAttachments lists the content types attached to a resource.
func (t *Tx) ListAttachments(id int64) ([]models.FileContentType, error) {
	var types []models.FileContentType
	if err := t.db.Model(&models.AttachedFile{}).Where("resource_id = ?", id).
		Pluck("file_type", &types).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	return types, nil
}

// SetMetadata upserts a typed metadata entry.
func (t *Tx) SetMetadata(id int64, metaType models.MetadataType, value string) error {
	if err := t.writable(); err != nil {
		return err
	}
	if err := t.db.Where("resource_id = ? AND type = ?", id, metaType).
		Delete(&models.Metadata{}).Error; err != nil {
		return fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	meta := models.Metadata{ResourceID: id, Type: metaType, Value: value}
	if err := t.db.Create(&meta).Error; err != nil {
		return fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	return nil
}

// LookupMetadata fetches one metadata value.
func (t *Tx) LookupMetadata(id int64, metaType models.MetadataType) (string, error) {
	var meta models.Metadata
	err := t.db.First(&meta, "resource_id = ? AND type = ?", id, metaType).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", errs.ErrInexistentItem
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	return meta.Value, nil
}

// DeleteMetadata removes one metadata entry; deleting a missing entry is a
// no-op.
func (t *Tx) DeleteMetadata(id int64, metaType models.MetadataType) error {
	if err := t.writable(); err != nil {
		return err
	}
	return t.db.Where("resource_id = ? AND type = ?", id, metaType).
		Delete(&models.Metadata{}).Error
}

// SetMainDicomTag records one entry of the tag summary.
func (t *Tx) SetMainDicomTag(id int64, group, element uint16, value string) error {
	if err := t.writable(); err != nil {
		return err
	}
	tag := models.MainDicomTag{ResourceID: id, TagGroup: group, TagElement: element, Value: value}
	if err := t.db.Create(&tag).Error; err != nil {
		return fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	return nil
}

// SetIdentifierTag records one identifier tag. The value must already be
// normalized by the caller.
func (t *Tx) SetIdentifierTag(id int64, group, element uint16, normalized string) error {
	if err := t.writable(); err != nil {
		return err
	}
	tag := models.DicomIdentifier{ResourceID: id, TagGroup: group, TagElement: element, Value: normalized}
	if err := t.db.Create(&tag).Error; err != nil {
		return fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	return nil
}

// GetMainDicomTags returns the tag summary of a resource.
func (t *Tx) GetMainDicomTags(id int64) ([]models.MainDicomTag, error) {
	var tags []models.MainDicomTag
	if err := t.db.Find(&tags, "resource_id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	return tags, nil
}

// IsProtectedPatient reports whether the patient is excluded from recycling.
func (t *Tx) IsProtectedPatient(patient int64) (bool, error) {
	var count int64
	if err := t.db.Model(&models.PatientRecyclingOrder{}).
		Where("patient_id = ?", patient).Count(&count).Error; err != nil {
		return false, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	return count == 0, nil
}

// SetProtectedPatient toggles recycling protection. The operation is
// idempotent; removing protection appends the patient at the tail of the
// recycling order.
func (t *Tx) SetProtectedPatient(patient int64, protected bool) error {
	if err := t.writable(); err != nil {
		return err
	}
	current, err := t.IsProtectedPatient(patient)
	if err != nil {
		return err
	}
	if current == protected {
		return nil
	}
	if protected {
		return t.db.Where("patient_id = ?", patient).
			Delete(&models.PatientRecyclingOrder{}).Error
	}
	return t.db.Create(&models.PatientRecyclingOrder{PatientID: patient}).Error
}

// SelectPatientToRecycle returns the head of the recycling order, skipping
// exclude when non-zero. The second return is false when no patient is
// recyclable.
func (t *Tx) SelectPatientToRecycle(exclude int64) (int64, bool, error) {
	query := t.db.Model(&models.PatientRecyclingOrder{}).Order("seq ASC")
	if exclude != 0 {
		query = query.Where("patient_id <> ?", exclude)
	}
	var row models.PatientRecyclingOrder
	err := query.First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	return row.PatientID, true, nil
}

// LogChange appends an entry to the change log for the given resource.
func (t *Tx) LogChange(changeType models.ChangeType, id int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	res, err := t.getResource(id)
	if err != nil {
		return err
	}
	return t.logChange(changeType, res)
}

func (t *Tx) logChange(changeType models.ChangeType, res *models.Resource) error {
	change := models.Change{
		ChangeType:   changeType,
		ResourceID:   res.ID,
		PublicID:     res.PublicID,
		ResourceKind: res.Kind,
		Date:         time.Now().UTC(),
	}
	if err := t.db.Create(&change).Error; err != nil {
		return fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	t.events = append(t.events, event{kind: evChange, change: change})
	return nil
}

// GetChanges reads a batch of the change log starting after since. done is
// true when the batch reaches the end of the log.
func (t *Tx) GetChanges(since int64, limit int) ([]models.Change, bool, error) {
	if limit <= 0 {
		limit = 100
	}
	var changes []models.Change
	if err := t.db.Where("seq > ?", since).Order("seq ASC").Limit(limit + 1).
		Find(&changes).Error; err != nil {
		return nil, false, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	done := true
	if len(changes) > limit {
		changes = changes[:limit]
		done = false
	}
	return changes, done, nil
}

// GetLastChangeSeq returns the sequence number of the newest change, or 0.
func (t *Tx) GetLastChangeSeq() (int64, error) {
	var change models.Change
	err := t.db.Order("seq DESC").First(&change).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	return change.Seq, nil
}

// GetTotalCompressedSize sums the compressed size of every attachment.
func (t *Tx) GetTotalCompressedSize() (int64, error) {
	return t.sumAttachments("compressed_size")
}

// GetTotalUncompressedSize sums the uncompressed size of every attachment.
func (t *Tx) GetTotalUncompressedSize() (int64, error) {
	return t.sumAttachments("uncompressed_size")
}

func (t *Tx) sumAttachments(column string) (int64, error) {
	var total *int64
	if err := t.db.Model(&models.AttachedFile{}).
		Select("SUM(" + column + ")").Scan(&total).Error; err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

// CountResources counts the resources of one kind.
func (t *Tx) CountResources(kind models.ResourceKind) (int64, error) {
	var count int64
	if err := t.db.Model(&models.Resource{}).Where("kind = ?", kind).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	return count, nil
}

// GetAllPublicIDs pages over the public ids of one kind, ordered by internal
// id.
func (t *Tx) GetAllPublicIDs(kind models.ResourceKind, since int64, limit int) ([]string, error) {
	query := t.db.Model(&models.Resource{}).Where("kind = ? AND id > ?", kind, since).
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var ids []string
	if err := query.Pluck("public_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	return ids, nil
}

// LookupGlobalProperty fetches a global property, returning def when absent.
func (t *Tx) LookupGlobalProperty(id models.GlobalPropertyID, def string) (string, error) {
	var prop models.GlobalProperty
	err := t.db.First(&prop, "property = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	return prop.Value, nil
}

// SetGlobalProperty upserts a global property.
func (t *Tx) SetGlobalProperty(id models.GlobalPropertyID, value string) error {
	if err := t.writable(); err != nil {
		return err
	}
	if err := t.db.Where("property = ?", id).Delete(&models.GlobalProperty{}).Error; err != nil {
		return fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	prop := models.GlobalProperty{Property: id, Value: value}
	if err := t.db.Create(&prop).Error; err != nil {
		return fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	return nil
}

// IncrementGlobalSequence bumps a monotonic counter stored as a global
// property and returns the new value.
func (t *Tx) IncrementGlobalSequence(id models.GlobalPropertyID) (int64, error) {
	value, err := t.LookupGlobalProperty(id, "0")
	if err != nil {
		return 0, err
	}
	var current int64
	if _, err := fmt.Sscanf(value, "%d", &current); err != nil {
		return 0, fmt.Errorf("%w: corrupted sequence %q", errs.ErrDatabase, value)
	}
	current++
	if err := t.SetGlobalProperty(id, fmt.Sprintf("%d", current)); err != nil {
		return 0, err
	}
	return current, nil
}
