package index_test

import (
	"errors"
	"testing"

	"github.com/halcyonmed/dicom-archive/internal/errs"
	"github.com/halcyonmed/dicom-archive/internal/index"
	"github.com/halcyonmed/dicom-archive/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestIndex(t *testing.T) *index.Index {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.Resource{},
		&models.Metadata{},
		&models.AttachedFile{},
		&models.MainDicomTag{},
		&models.DicomIdentifier{},
		&models.Change{},
		&models.PatientRecyclingOrder{},
		&models.GlobalProperty{},
	))
	return index.New(db)
}

// recorder captures the events a committed transaction dispatches.
type recorder struct {
	deleted   []string
	files     []string
	ancestors []string
	changes   []models.Change
}

func (r *recorder) SignalResourceDeleted(publicID string, _ models.ResourceKind) {
	r.deleted = append(r.deleted, publicID)
}

func (r *recorder) SignalFileDeleted(uuid string) {
	r.files = append(r.files, uuid)
}

func (r *recorder) SignalRemainingAncestor(publicID string, _ models.ResourceKind) {
	r.ancestors = append(r.ancestors, publicID)
}

func (r *recorder) SignalChange(change models.Change) {
	r.changes = append(r.changes, change)
}

// createChain builds one patient/study/series/instance branch and returns the
// internal ids, patient first.
func createChain(t *testing.T, tx *index.Tx, suffix string) [4]int64 {
	t.Helper()

	names := [4]string{"patient", "study", "series", "instance"}
	var ids [4]int64
	for i, kind := range []models.ResourceKind{
		models.KindPatient, models.KindStudy, models.KindSeries, models.KindInstance,
	} {
		id, err := tx.CreateResource(names[i]+suffix, kind)
		require.NoError(t, err)
		ids[i] = id
		if i > 0 {
			require.NoError(t, tx.AttachChild(ids[i-1], id))
		}
	}
	return ids
}

func TestCreateHierarchyAndLookup(t *testing.T) {
	idx := newTestIndex(t)

	err := idx.Transaction(index.ReadWrite, nil, func(tx *index.Tx) error {
		ids := createChain(t, tx, "-a")

		id, kind, err := tx.LookupResource("series-a")
		require.NoError(t, err)
		assert.Equal(t, ids[2], id)
		assert.Equal(t, models.KindSeries, kind)

		parent, err := tx.GetParent(ids[3])
		require.NoError(t, err)
		assert.Equal(t, ids[2], parent)

		_, err = tx.GetParent(ids[0])
		assert.ErrorIs(t, err, errs.ErrUnknownResource)

		children, err := tx.GetChildrenPublicIDs(ids[1])
		require.NoError(t, err)
		assert.Equal(t, []string{"series-a"}, children)

		publicID, err := tx.GetPublicID(ids[3])
		require.NoError(t, err)
		assert.Equal(t, "instance-a", publicID)

		_, _, err = tx.LookupResource("nowhere")
		assert.ErrorIs(t, err, errs.ErrUnknownResource)
		return nil
	})
	require.NoError(t, err)
}

func TestAttachChildRejectsSkippedLevel(t *testing.T) {
	idx := newTestIndex(t)

	err := idx.Transaction(index.ReadWrite, nil, func(tx *index.Tx) error {
		patient, err := tx.CreateResource("p", models.KindPatient)
		require.NoError(t, err)
		series, err := tx.CreateResource("s", models.KindSeries)
		require.NoError(t, err)

		assert.ErrorIs(t, tx.AttachChild(patient, series), errs.ErrBadRequest)
		return nil
	})
	require.NoError(t, err)
}

func TestReadOnlyTransactionRejectsWrites(t *testing.T) {
	idx := newTestIndex(t)

	err := idx.Transaction(index.ReadOnly, nil, func(tx *index.Tx) error {
		_, err := tx.CreateResource("p", models.KindPatient)
		assert.ErrorIs(t, err, errs.ErrBadSequenceOfCalls)

		assert.ErrorIs(t, tx.SetMetadata(1, models.MetaLastUpdate, "x"),
			errs.ErrBadSequenceOfCalls)
		assert.ErrorIs(t, tx.DeleteResource(1), errs.ErrBadSequenceOfCalls)
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteCascadesUpward(t *testing.T) {
	idx := newTestIndex(t)

	var instance int64
	err := idx.Transaction(index.ReadWrite, nil, func(tx *index.Tx) error {
		ids := createChain(t, tx, "")
		instance = ids[3]
		return nil
	})
	require.NoError(t, err)

	rec := &recorder{}
	err = idx.Transaction(index.ReadWrite, rec, func(tx *index.Tx) error {
		return tx.DeleteResource(instance)
	})
	require.NoError(t, err)

	// The instance was the last of its branch; the whole chain goes,
	// children before parents, and no ancestor survives.
	assert.Equal(t, []string{"instance", "series", "study", "patient"}, rec.deleted)
	assert.Empty(t, rec.ancestors)
	require.Len(t, rec.changes, 1)
	assert.Equal(t, models.ChangeDeleted, rec.changes[0].ChangeType)

	err = idx.Transaction(index.ReadOnly, nil, func(tx *index.Tx) error {
		count, err := tx.CountResources(models.KindPatient)
		require.NoError(t, err)
		assert.Zero(t, count)
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteSignalsRemainingAncestor(t *testing.T) {
	idx := newTestIndex(t)

	var first int64
	err := idx.Transaction(index.ReadWrite, nil, func(tx *index.Tx) error {
		ids := createChain(t, tx, "")
		first = ids[3]

		second, err := tx.CreateResource("instance-2", models.KindInstance)
		require.NoError(t, err)
		return tx.AttachChild(ids[2], second)
	})
	require.NoError(t, err)

	rec := &recorder{}
	err = idx.Transaction(index.ReadWrite, rec, func(tx *index.Tx) error {
		return tx.DeleteResource(first)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"instance"}, rec.deleted)
	assert.Equal(t, []string{"series"}, rec.ancestors)
}

func TestDeleteSchedulesBlobRemoval(t *testing.T) {
	idx := newTestIndex(t)

	var instance int64
	err := idx.Transaction(index.ReadWrite, nil, func(tx *index.Tx) error {
		ids := createChain(t, tx, "")
		instance = ids[3]
		return tx.AddAttachment(models.AttachedFile{
			ResourceID:  instance,
			FileType:    models.ContentDicom,
			UUID:        "blob-uuid",
			Compression: models.CompressionNone,
		})
	})
	require.NoError(t, err)

	rec := &recorder{}
	err = idx.Transaction(index.ReadWrite, rec, func(tx *index.Tx) error {
		return tx.DeleteResource(instance)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"blob-uuid"}, rec.files)
}

func TestRollbackDiscardsWritesAndEvents(t *testing.T) {
	idx := newTestIndex(t)
	boom := errors.New("boom")

	rec := &recorder{}
	err := idx.Transaction(index.ReadWrite, rec, func(tx *index.Tx) error {
		id, err := tx.CreateResource("p", models.KindPatient)
		require.NoError(t, err)
		require.NoError(t, tx.LogChange(models.ChangeNewPatient, id))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, rec.changes)

	err = idx.Transaction(index.ReadOnly, nil, func(tx *index.Tx) error {
		_, _, err := tx.LookupResource("p")
		assert.ErrorIs(t, err, errs.ErrUnknownResource)
		return nil
	})
	require.NoError(t, err)
}

func TestPatientRecyclingOrder(t *testing.T) {
	idx := newTestIndex(t)

	var first, second int64
	err := idx.Transaction(index.ReadWrite, nil, func(tx *index.Tx) error {
		var err error
		first, err = tx.CreateResource("p1", models.KindPatient)
		require.NoError(t, err)
		second, err = tx.CreateResource("p2", models.KindPatient)
		require.NoError(t, err)

		// Oldest unprotected patient first.
		candidate, ok, err := tx.SelectPatientToRecycle(0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, first, candidate)

		// The excluded patient is skipped.
		candidate, ok, err = tx.SelectPatientToRecycle(first)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, second, candidate)

		// Protection removes the patient from the order.
		require.NoError(t, tx.SetProtectedPatient(first, true))
		protected, err := tx.IsProtectedPatient(first)
		require.NoError(t, err)
		assert.True(t, protected)

		candidate, ok, err = tx.SelectPatientToRecycle(0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, second, candidate)

		// Unprotecting appends at the tail, behind p2.
		require.NoError(t, tx.SetProtectedPatient(first, false))
		candidate, ok, err = tx.SelectPatientToRecycle(0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, second, candidate)

		// Nothing left once both are protected.
		require.NoError(t, tx.SetProtectedPatient(first, true))
		require.NoError(t, tx.SetProtectedPatient(second, true))
		_, ok, err = tx.SelectPatientToRecycle(0)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestChangesPaging(t *testing.T) {
	idx := newTestIndex(t)

	err := idx.Transaction(index.ReadWrite, nil, func(tx *index.Tx) error {
		for i := 0; i < 3; i++ {
			id, err := tx.CreateResource([]string{"a", "b", "c"}[i], models.KindPatient)
			require.NoError(t, err)
			require.NoError(t, tx.LogChange(models.ChangeNewPatient, id))
		}

		changes, done, err := tx.GetChanges(0, 2)
		require.NoError(t, err)
		assert.Len(t, changes, 2)
		assert.False(t, done)

		changes, done, err = tx.GetChanges(changes[1].Seq, 2)
		require.NoError(t, err)
		assert.Len(t, changes, 1)
		assert.True(t, done)
		assert.Equal(t, "c", changes[0].PublicID)

		last, err := tx.GetLastChangeSeq()
		require.NoError(t, err)
		assert.Equal(t, changes[0].Seq, last)
		return nil
	})
	require.NoError(t, err)
}

func TestMetadataUpsert(t *testing.T) {
	idx := newTestIndex(t)

	err := idx.Transaction(index.ReadWrite, nil, func(tx *index.Tx) error {
		id, err := tx.CreateResource("p", models.KindPatient)
		require.NoError(t, err)

		require.NoError(t, tx.SetMetadata(id, models.MetaLastUpdate, "first"))
		require.NoError(t, tx.SetMetadata(id, models.MetaLastUpdate, "second"))

		value, err := tx.LookupMetadata(id, models.MetaLastUpdate)
		require.NoError(t, err)
		assert.Equal(t, "second", value)

		_, err = tx.LookupMetadata(id, models.MetaRemoteAet)
		assert.ErrorIs(t, err, errs.ErrInexistentItem)

		require.NoError(t, tx.DeleteMetadata(id, models.MetaLastUpdate))
		_, err = tx.LookupMetadata(id, models.MetaLastUpdate)
		assert.ErrorIs(t, err, errs.ErrInexistentItem)
		return nil
	})
	require.NoError(t, err)
}

func TestGlobalPropertiesAndSequences(t *testing.T) {
	idx := newTestIndex(t)

	err := idx.Transaction(index.ReadWrite, nil, func(tx *index.Tx) error {
		value, err := tx.LookupGlobalProperty(models.PropertyJobsRegistry, "fallback")
		require.NoError(t, err)
		assert.Equal(t, "fallback", value)

		require.NoError(t, tx.SetGlobalProperty(models.PropertyJobsRegistry, "{}"))
		value, err = tx.LookupGlobalProperty(models.PropertyJobsRegistry, "fallback")
		require.NoError(t, err)
		assert.Equal(t, "{}", value)

		seq, err := tx.IncrementGlobalSequence(models.PropertyAnonymizationSequence)
		require.NoError(t, err)
		assert.Equal(t, int64(1), seq)

		seq, err = tx.IncrementGlobalSequence(models.PropertyAnonymizationSequence)
		require.NoError(t, err)
		assert.Equal(t, int64(2), seq)
		return nil
	})
	require.NoError(t, err)
}

func TestAttachmentSizesAndCounts(t *testing.T) {
	idx := newTestIndex(t)

	err := idx.Transaction(index.ReadWrite, nil, func(tx *index.Tx) error {
		ids := createChain(t, tx, "")
		require.NoError(t, tx.AddAttachment(models.AttachedFile{
			ResourceID:       ids[3],
			FileType:         models.ContentDicom,
			UUID:             "u1",
			UncompressedSize: 100,
			CompressedSize:   40,
			Compression:      models.CompressionZlibWithSize,
		}))

		total, err := tx.GetTotalCompressedSize()
		require.NoError(t, err)
		assert.Equal(t, int64(40), total)

		total, err = tx.GetTotalUncompressedSize()
		require.NoError(t, err)
		assert.Equal(t, int64(100), total)

		count, err := tx.CountResources(models.KindSeries)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)

		types, err := tx.ListAttachments(ids[3])
		require.NoError(t, err)
		assert.Equal(t, []models.FileContentType{models.ContentDicom}, types)
		return nil
	})
	require.NoError(t, err)
}

func TestGetAllPublicIDsPages(t *testing.T) {
	idx := newTestIndex(t)

	err := idx.Transaction(index.ReadWrite, nil, func(tx *index.Tx) error {
		for _, name := range []string{"p1", "p2", "p3"} {
			_, err := tx.CreateResource(name, models.KindPatient)
			require.NoError(t, err)
		}

		page, err := tx.GetAllPublicIDs(models.KindPatient, 0, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"p1", "p2"}, page)

		page, err = tx.GetAllPublicIDs(models.KindPatient, 2, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"p3"}, page)
		return nil
	})
	require.NoError(t, err)
}
