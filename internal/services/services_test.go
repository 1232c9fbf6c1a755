package services

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/halcyonmed/dicom-archive/internal/cache"
	"github.com/halcyonmed/dicom-archive/internal/config"
	"github.com/halcyonmed/dicom-archive/internal/dicomtool"
	"github.com/halcyonmed/dicom-archive/internal/errs"
	"github.com/halcyonmed/dicom-archive/internal/jobs"
	"github.com/halcyonmed/dicom-archive/internal/models"
	"github.com/halcyonmed/dicom-archive/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom/pkg/tag"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestContext(t *testing.T, mutate func(*config.Config)) *ServerContext {
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
		&models.Modality{},
		&models.Peer{},
	))

	area, err := storage.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Dicom.AET = "ARCHIVE"
	cfg.Dicom.QueryArchiveSize = 10
	cfg.Dicom.ScuTimeout = time.Second
	cfg.Cache.TTL = time.Minute
	if mutate != nil {
		mutate(cfg)
	}

	s, err := New(cfg, db, area, jobs.NewEngine(1), cache.NewMemory())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

type fileParams struct {
	patientID   string
	patientName string
	studyUID    string
	seriesUID   string
	sopUID      string
	studyDate   string
}

func encodeEl(out []byte, t tag.Tag, vr, value string) []byte {
	padded := []byte(value)
	if len(padded)%2 == 1 {
		if vr == "UI" {
			padded = append(padded, 0x00)
		} else {
			padded = append(padded, ' ')
		}
	}
	var header [8]byte
	binary.LittleEndian.PutUint16(header[0:2], t.Group)
	binary.LittleEndian.PutUint16(header[2:4], t.Element)
	copy(header[4:6], vr)
	binary.LittleEndian.PutUint16(header[6:8], uint16(len(padded)))
	return append(append(out, header[:]...), padded...)
}

func testFile(p fileParams) []byte {
	const sopClass = "1.2.840.10008.5.1.4.1.1.7"
	if p.patientName == "" {
		p.patientName = "DOE^JOHN"
	}
	if p.studyDate == "" {
		p.studyDate = "20240115"
	}

	var body []byte
	body = encodeEl(body, tag.SOPClassUID, "UI", sopClass)
	body = encodeEl(body, tag.SOPInstanceUID, "UI", p.sopUID)
	body = encodeEl(body, tag.StudyDate, "DA", p.studyDate)
	body = encodeEl(body, tag.Modality, "CS", "OT")
	body = encodeEl(body, tag.PatientName, "PN", p.patientName)
	body = encodeEl(body, tag.PatientID, "LO", p.patientID)
	body = encodeEl(body, tag.StudyInstanceUID, "UI", p.studyUID)
	body = encodeEl(body, tag.SeriesInstanceUID, "UI", p.seriesUID)

	return dicomtool.AddMetaHeader(body, sopClass, p.sopUID,
		"1.2.840.10008.1.2.1", "1.2.826.0.1.3680043.10.1456.1", "HALCYON_1")
}

func defaultFile() []byte {
	return testFile(fileParams{
		patientID: "PAT001",
		studyUID:  "1.2.3",
		seriesUID: "1.2.3.4",
		sopUID:    "1.2.3.4.5",
	})
}

func TestStoreIngestsAndExpands(t *testing.T) {
	s := newTestContext(t, nil)
	ctx := context.Background()

	result, err := s.Store(ctx, defaultFile(), Origin{Source: "rest"})
	require.NoError(t, err)
	assert.Equal(t, StoreSuccess, result.Status)
	require.NotEmpty(t, result.InstanceID)

	patient, err := s.ExpandResource(ctx, result.PatientID, models.KindPatient)
	require.NoError(t, err)
	assert.Equal(t, "Patient", patient["Type"])
	assert.Equal(t, []string{result.StudyID}, patient["Studies"])
	summary, ok := patient["MainDicomTags"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "PAT001", summary["PatientID"])

	instance, err := s.ExpandResource(ctx, result.InstanceID, models.KindInstance)
	require.NoError(t, err)
	assert.Equal(t, result.SeriesID, instance["ParentSeries"])
	assert.NotEmpty(t, instance["FileUuid"])

	// Asking for a study under the wrong level fails.
	_, err = s.ExpandResource(ctx, result.StudyID, models.KindSeries)
	assert.ErrorIs(t, err, errs.ErrUnknownResource)

	file, err := s.ReadInstanceFile(result.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, defaultFile(), file)
}

func TestStoreLogsChangesBottomUp(t *testing.T) {
	s := newTestContext(t, nil)

	result, err := s.Store(context.Background(), defaultFile(), Origin{Source: "rest"})
	require.NoError(t, err)

	page, err := s.GetChanges(0, 10)
	require.NoError(t, err)
	require.Len(t, page.Changes, 4)
	assert.True(t, page.Done)

	assert.Equal(t, models.ChangeNewInstance, page.Changes[0].ChangeType)
	assert.Equal(t, result.InstanceID, page.Changes[0].PublicID)
	assert.Equal(t, models.ChangeNewSeries, page.Changes[1].ChangeType)
	assert.Equal(t, models.ChangeNewStudy, page.Changes[2].ChangeType)
	assert.Equal(t, models.ChangeNewPatient, page.Changes[3].ChangeType)
	assert.Equal(t, page.Changes[3].Seq, page.Last)
}

func TestStoreDuplicateInstance(t *testing.T) {
	s := newTestContext(t, nil)
	ctx := context.Background()

	first, err := s.Store(ctx, defaultFile(), Origin{Source: "rest"})
	require.NoError(t, err)
	assert.Equal(t, StoreSuccess, first.Status)

	second, err := s.Store(ctx, defaultFile(), Origin{Source: "rest"})
	require.NoError(t, err)
	assert.Equal(t, StoreAlreadyStored, second.Status)
	assert.Equal(t, first.InstanceID, second.InstanceID)

	stats, err := s.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.CountInstances)
}

func TestStoreOverwritesWhenConfigured(t *testing.T) {
	s := newTestContext(t, func(cfg *config.Config) {
		cfg.Storage.OverwriteInstances = true
	})
	ctx := context.Background()

	_, err := s.Store(ctx, defaultFile(), Origin{Source: "rest"})
	require.NoError(t, err)

	second, err := s.Store(ctx, defaultFile(), Origin{Source: "rest"})
	require.NoError(t, err)
	assert.Equal(t, StoreSuccess, second.Status)

	stats, err := s.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.CountInstances)
	assert.Equal(t, int64(1), stats.CountPatients)
}

func TestStoreRejectsGarbage(t *testing.T) {
	s := newTestContext(t, nil)

	_, err := s.Store(context.Background(), []byte("junk"), Origin{Source: "rest"})
	assert.ErrorIs(t, err, errs.ErrBadFileFormat)
}

func TestStoreFilter(t *testing.T) {
	s := newTestContext(t, nil)
	s.SetFilter(func(parsed *dicomtool.ParsedInstance, origin Origin) bool {
		return origin.Source != "dimse"
	})

	result, err := s.Store(context.Background(), defaultFile(), Origin{Source: "dimse"})
	require.NoError(t, err)
	assert.Equal(t, StoreFilteredOut, result.Status)

	result, err = s.Store(context.Background(), defaultFile(), Origin{Source: "rest"})
	require.NoError(t, err)
	assert.Equal(t, StoreSuccess, result.Status)
}

func TestStoreFillsQuotaExactly(t *testing.T) {
	content := defaultFile()
	s := newTestContext(t, func(cfg *config.Config) {
		cfg.Storage.MaxSize = int64(len(content))
	})
	ctx := context.Background()

	// An object that exactly fills the quota is admitted without recycling.
	result, err := s.Store(ctx, content, Origin{Source: "rest"})
	require.NoError(t, err)
	assert.Equal(t, StoreSuccess, result.Status)

	// The next patient exceeds the quota and recycles the first one.
	second := testFile(fileParams{
		patientID: "PAT002",
		studyUID:  "5.6.7",
		seriesUID: "5.6.7.8",
		sopUID:    "5.6.7.8.9",
	})
	require.Len(t, second, len(content))

	result, err = s.Store(ctx, second, Origin{Source: "rest"})
	require.NoError(t, err)
	assert.Equal(t, StoreSuccess, result.Status)

	patients, err := s.ListResources(models.KindPatient, 0, 0)
	require.NoError(t, err)
	require.Len(t, patients, 1)
	assert.Equal(t, result.PatientID, patients[0])
}

func TestStoreRecyclesOldestPatient(t *testing.T) {
	s := newTestContext(t, func(cfg *config.Config) {
		cfg.Storage.MaxPatientCount = 1
	})
	ctx := context.Background()

	first, err := s.Store(ctx, defaultFile(), Origin{Source: "rest"})
	require.NoError(t, err)

	second, err := s.Store(ctx, testFile(fileParams{
		patientID: "PAT002",
		studyUID:  "2.2.3",
		seriesUID: "2.2.3.4",
		sopUID:    "2.2.3.4.5",
	}), Origin{Source: "rest"})
	require.NoError(t, err)

	stats, err := s.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.CountPatients)

	_, err = s.ExpandResource(ctx, first.PatientID, models.KindPatient)
	assert.ErrorIs(t, err, errs.ErrUnknownResource)
	_, err = s.ExpandResource(ctx, second.PatientID, models.KindPatient)
	assert.NoError(t, err)
}

func TestStoreFailsWhenEveryPatientIsProtected(t *testing.T) {
	s := newTestContext(t, func(cfg *config.Config) {
		cfg.Storage.MaxPatientCount = 1
	})
	ctx := context.Background()

	first, err := s.Store(ctx, defaultFile(), Origin{Source: "rest"})
	require.NoError(t, err)
	require.NoError(t, s.SetPatientProtection(first.PatientID, true))

	_, err = s.Store(ctx, testFile(fileParams{
		patientID: "PAT002",
		studyUID:  "2.2.3",
		seriesUID: "2.2.3.4",
		sopUID:    "2.2.3.4.5",
	}), Origin{Source: "rest"})
	assert.ErrorIs(t, err, errs.ErrFullStorage)
}

func TestStoreGrowingPatientIsNotRecycled(t *testing.T) {
	s := newTestContext(t, func(cfg *config.Config) {
		cfg.Storage.MaxPatientCount = 1
	})
	ctx := context.Background()

	first, err := s.Store(ctx, defaultFile(), Origin{Source: "rest"})
	require.NoError(t, err)

	// A second object of the same patient extends it instead of recycling
	// it from under its own ingestion.
	second, err := s.Store(ctx, testFile(fileParams{
		patientID: "PAT001",
		studyUID:  "1.2.3",
		seriesUID: "1.2.3.4",
		sopUID:    "1.2.3.4.6",
	}), Origin{Source: "rest"})
	require.NoError(t, err)
	assert.Equal(t, first.PatientID, second.PatientID)

	stats, err := s.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.CountInstances)
}

func TestDeleteInstanceCascades(t *testing.T) {
	s := newTestContext(t, nil)
	ctx := context.Background()

	result, err := s.Store(ctx, defaultFile(), Origin{Source: "rest"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(result.InstanceID))

	_, err = s.ExpandResource(ctx, result.PatientID, models.KindPatient)
	assert.ErrorIs(t, err, errs.ErrUnknownResource)

	// The blob is gone with the attachment row.
	_, err = s.ReadInstanceFile(result.InstanceID)
	assert.Error(t, err)
}

func TestPatientProtection(t *testing.T) {
	s := newTestContext(t, nil)

	result, err := s.Store(context.Background(), defaultFile(), Origin{Source: "rest"})
	require.NoError(t, err)

	protected, err := s.IsPatientProtected(result.PatientID)
	require.NoError(t, err)
	assert.False(t, protected)

	require.NoError(t, s.SetPatientProtection(result.PatientID, true))
	protected, err = s.IsPatientProtected(result.PatientID)
	require.NoError(t, err)
	assert.True(t, protected)

	// Only patients carry protection.
	_, err = s.IsPatientProtected(result.StudyID)
	assert.ErrorIs(t, err, errs.ErrUnknownResource)
}

func TestInstancesOf(t *testing.T) {
	s := newTestContext(t, nil)
	ctx := context.Background()

	result, err := s.Store(ctx, defaultFile(), Origin{Source: "rest"})
	require.NoError(t, err)
	other, err := s.Store(ctx, testFile(fileParams{
		patientID: "PAT001",
		studyUID:  "1.2.3",
		seriesUID: "1.2.3.4",
		sopUID:    "1.2.3.4.6",
	}), Origin{Source: "rest"})
	require.NoError(t, err)

	instances, err := s.InstancesOf(result.StudyID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{result.InstanceID, other.InstanceID}, instances)

	instances, err = s.InstancesOf(result.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, []string{result.InstanceID}, instances)
}

func TestListResources(t *testing.T) {
	s := newTestContext(t, nil)

	result, err := s.Store(context.Background(), defaultFile(), Origin{Source: "rest"})
	require.NoError(t, err)

	patients, err := s.ListResources(models.KindPatient, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{result.PatientID}, patients)

	instances, err := s.ListResources(models.KindInstance, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{result.InstanceID}, instances)
}

func TestGetInstanceTags(t *testing.T) {
	s := newTestContext(t, nil)

	result, err := s.Store(context.Background(), defaultFile(), Origin{Source: "rest"})
	require.NoError(t, err)

	tags, err := s.GetInstanceTags(result.InstanceID)
	require.NoError(t, err)
	assert.Contains(t, tags["PatientID"], "PAT001")
	assert.Contains(t, tags["StudyInstanceUID"], "1.2.3")
}

func TestReadInstanceObject(t *testing.T) {
	s := newTestContext(t, nil)

	file := defaultFile()
	result, err := s.Store(context.Background(), file, Origin{Source: "rest"})
	require.NoError(t, err)

	stored, err := s.ReadInstanceObject(result.InstanceID)
	require.NoError(t, err)

	assert.Equal(t, "1.2.3.4.5", stored.SOPInstanceUID)
	assert.Equal(t, "1.2.840.10008.5.1.4.1.1.7", stored.SOPClassUID)
	assert.Equal(t, "1.2.840.10008.1.2.1", stored.TransferSyntax)

	// The bare dataset is a suffix of the stored file, meta header removed.
	assert.True(t, bytes.HasSuffix(file, stored.Object))
	assert.False(t, bytes.Contains(stored.Object, []byte("DICM")))
}

func TestStatisticsReflectStorage(t *testing.T) {
	s := newTestContext(t, nil)
	ctx := context.Background()

	file := defaultFile()
	_, err := s.Store(ctx, file, Origin{Source: "rest"})
	require.NoError(t, err)

	stats, err := s.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.CountPatients)
	assert.Equal(t, int64(1), stats.CountStudies)
	assert.Equal(t, int64(1), stats.CountSeries)
	assert.Equal(t, int64(1), stats.CountInstances)
	assert.NotEmpty(t, stats.TotalDiskSize)
}
