package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/halcyonmed/dicom-archive/internal/cache"
	"github.com/halcyonmed/dicom-archive/internal/dicomtool"
	"github.com/halcyonmed/dicom-archive/internal/errs"
	"github.com/halcyonmed/dicom-archive/internal/index"
	"github.com/halcyonmed/dicom-archive/internal/jobs"
	"github.com/halcyonmed/dicom-archive/internal/models"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// ReadInstanceFile returns the stored DICOM file of an instance, with its
// meta header, as received.
func (s *ServerContext) ReadInstanceFile(publicID string) ([]byte, error) {
	var file models.AttachedFile
	err := s.idx.Transaction(index.ReadOnly, nil, func(tx *index.Tx) error {
		id, kind, err := tx.LookupResource(publicID)
		if err != nil {
			return err
		}
		if kind != models.KindInstance {
			return errs.ErrUnknownResource
		}
		file, err = tx.LookupAttachment(id, models.ContentDicom)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.accessor.Read(file)
}

// ReadInstanceObject loads an instance ready for a C-STORE: the bare dataset
// without the file meta header, together with the negotiation parameters.
// It implements the instance provider of the store jobs.
func (s *ServerContext) ReadInstanceObject(publicID string) (jobs.StoredInstance, error) {
	var out jobs.StoredInstance

	content, err := s.ReadInstanceFile(publicID)
	if err != nil {
		return out, err
	}
	object, err := dicomtool.StripMetaHeader(content)
	if err != nil {
		return out, err
	}

	err = s.idx.Transaction(index.ReadOnly, nil, func(tx *index.Tx) error {
		id, _, err := tx.LookupResource(publicID)
		if err != nil {
			return err
		}
		out.TransferSyntax, _ = tx.LookupMetadata(id, models.MetaTransferSyntax)
		out.SOPClassUID, _ = tx.LookupMetadata(id, models.MetaSopClassUID)

		tags, err := tx.GetMainDicomTags(id)
		if err != nil {
			return err
		}
		for _, t := range tags {
			if t.TagGroup == tag.SOPInstanceUID.Group && t.TagElement == tag.SOPInstanceUID.Element {
				out.SOPInstanceUID = t.Value
			}
		}
		return nil
	})
	if err != nil {
		return out, err
	}

	out.Object = object
	if out.SOPInstanceUID == "" || out.SOPClassUID == "" {
		return out, fmt.Errorf("%w: instance %s lacks its SOP identifiers", errs.ErrCorruptedFile, publicID)
	}
	return out, nil
}

// GetParsedInstance returns the decoded dataset of an instance, parsing the
// blob at most once per cache window. Concurrent callers for the same
// instance serialize on its cache entry, so the blob is decoded once.
func (s *ServerContext) GetParsedInstance(publicID string) (*dicomtool.ParsedInstance, error) {
	lock := s.parsed.acquire(publicID)
	defer s.parsed.release(publicID, lock)

	if parsed, ok := s.parsed.get(publicID); ok {
		return parsed, nil
	}
	content, err := s.ReadInstanceFile(publicID)
	if err != nil {
		return nil, err
	}
	parsed, err := dicomtool.Parse(content)
	if err != nil {
		return nil, err
	}
	s.parsed.put(publicID, parsed)
	return parsed, nil
}

// GetInstanceTags renders the full dataset of an instance as a flat
// keyword-to-value map.
func (s *ServerContext) GetInstanceTags(publicID string) (map[string]string, error) {
	parsed, err := s.GetParsedInstance(publicID)
	if err != nil {
		return nil, err
	}

	tags := make(map[string]string)
	for _, el := range parsed.Dataset.Elements {
		if el == nil {
			continue
		}
		keyword := tagKeyword(el.Tag.Group, el.Tag.Element)
		if el.Value != nil {
			tags[keyword] = el.Value.String()
		}
	}
	return tags, nil
}

// Delete removes a resource and everything below it. The index listener
// takes care of the blobs and the caches once the transaction commits.
func (s *ServerContext) Delete(publicID string) error {
	return s.idx.Transaction(index.ReadWrite, s.listener(), func(tx *index.Tx) error {
		id, _, err := tx.LookupResource(publicID)
		if err != nil {
			return err
		}
		return tx.DeleteResource(id)
	})
}

// ChangesPage is one batch of the change log.
type ChangesPage struct {
	Changes []models.Change `json:"Changes"`
	Done    bool            `json:"Done"`
	Last    int64           `json:"Last"`
}

// GetChanges reads the change log after since, at most limit entries.
func (s *ServerContext) GetChanges(since int64, limit int) (ChangesPage, error) {
	page := ChangesPage{Last: since}
	err := s.idx.Transaction(index.ReadOnly, nil, func(tx *index.Tx) error {
		changes, done, err := tx.GetChanges(since, limit)
		if err != nil {
			return err
		}
		page.Changes = changes
		page.Done = done
		if len(changes) > 0 {
			page.Last = changes[len(changes)-1].Seq
		}
		return nil
	})
	if page.Changes == nil {
		page.Changes = []models.Change{}
	}
	return page, err
}

// Statistics is the global occupancy document.
type Statistics struct {
	CountPatients         int64  `json:"CountPatients"`
	CountStudies          int64  `json:"CountStudies"`
	CountSeries           int64  `json:"CountSeries"`
	CountInstances        int64  `json:"CountInstances"`
	TotalDiskSize         string `json:"TotalDiskSize"`
	TotalUncompressedSize string `json:"TotalUncompressedSize"`
	TotalDiskSizeMB       int64  `json:"TotalDiskSizeMB"`
}

// GetStatistics computes the occupancy counters, with a short-lived cache in
// front of the aggregation queries.
func (s *ServerContext) GetStatistics(ctx context.Context) (Statistics, error) {
	var stats Statistics
	if cached, err := s.respCache.Get(ctx, cache.StatisticsKey); err == nil {
		if json.Unmarshal(cached, &stats) == nil {
			return stats, nil
		}
	}

	err := s.idx.Transaction(index.ReadOnly, nil, func(tx *index.Tx) error {
		var err error
		if stats.CountPatients, err = tx.CountResources(models.KindPatient); err != nil {
			return err
		}
		if stats.CountStudies, err = tx.CountResources(models.KindStudy); err != nil {
			return err
		}
		if stats.CountSeries, err = tx.CountResources(models.KindSeries); err != nil {
			return err
		}
		if stats.CountInstances, err = tx.CountResources(models.KindInstance); err != nil {
			return err
		}
		compressed, err := tx.GetTotalCompressedSize()
		if err != nil {
			return err
		}
		uncompressed, err := tx.GetTotalUncompressedSize()
		if err != nil {
			return err
		}
		stats.TotalDiskSize = fmt.Sprintf("%d", compressed)
		stats.TotalUncompressedSize = fmt.Sprintf("%d", uncompressed)
		stats.TotalDiskSizeMB = compressed / (1024 * 1024)
		return nil
	})
	if err != nil {
		return stats, err
	}

	if encoded, err := json.Marshal(stats); err == nil {
		s.respCache.Set(ctx, cache.StatisticsKey, encoded, s.cfg.Cache.TTL)
	}
	return stats, nil
}

// ExpandResource renders one resource as the REST layer exposes it: its
// identifiers, its tag summary and the links up and down the hierarchy.
func (s *ServerContext) ExpandResource(ctx context.Context, publicID string, expected models.ResourceKind) (map[string]interface{}, error) {
	key := cache.ResourceKey(expected.String(), publicID)
	if cached, err := s.respCache.Get(ctx, key); err == nil {
		var view map[string]interface{}
		if json.Unmarshal(cached, &view) == nil {
			return view, nil
		}
	}

	var view map[string]interface{}
	err := s.idx.Transaction(index.ReadOnly, nil, func(tx *index.Tx) error {
		id, kind, err := tx.LookupResource(publicID)
		if err != nil {
			return err
		}
		if kind != expected {
			return errs.ErrUnknownResource
		}
		view, err = renderResource(tx, id, kind, publicID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(view); err == nil {
		s.respCache.Set(ctx, key, encoded, s.cfg.Cache.TTL)
	}
	return view, nil
}

func renderResource(tx *index.Tx, id int64, kind models.ResourceKind, publicID string) (map[string]interface{}, error) {
	view := map[string]interface{}{
		"ID":   publicID,
		"Type": kind.String(),
	}

	tags, err := tx.GetMainDicomTags(id)
	if err != nil {
		return nil, err
	}
	summary := make(map[string]string, len(tags))
	for _, t := range tags {
		summary[tagKeyword(t.TagGroup, t.TagElement)] = t.Value
	}
	view["MainDicomTags"] = summary

	if lastUpdate, err := tx.LookupMetadata(id, models.MetaLastUpdate); err == nil {
		view["LastUpdate"] = lastUpdate
	}

	if parent, err := tx.GetParent(id); err == nil {
		parentID, err := tx.GetPublicID(parent)
		if err != nil {
			return nil, err
		}
		parentKind, _ := kind.Parent()
		view["Parent"+parentKind.String()] = parentID
	}

	switch kind {
	case models.KindPatient:
		protected, err := tx.IsProtectedPatient(id)
		if err != nil {
			return nil, err
		}
		view["IsProtected"] = protected
		if view["Studies"], err = tx.GetChildrenPublicIDs(id); err != nil {
			return nil, err
		}
	case models.KindStudy:
		if view["Series"], err = tx.GetChildrenPublicIDs(id); err != nil {
			return nil, err
		}
	case models.KindSeries:
		if view["Instances"], err = tx.GetChildrenPublicIDs(id); err != nil {
			return nil, err
		}
	case models.KindInstance:
		file, err := tx.LookupAttachment(id, models.ContentDicom)
		if err != nil {
			return nil, err
		}
		view["FileSize"] = file.UncompressedSize
		view["FileUuid"] = file.UUID
		if idx, err := tx.LookupMetadata(id, models.MetaIndexInSeries); err == nil {
			view["IndexInSeries"] = idx
		}
	}
	return view, nil
}

// tagKeyword names a tag by its dictionary keyword, falling back to the
// numeric form for private or retired tags.
func tagKeyword(group, element uint16) string {
	if info, err := tag.Find(tag.Tag{Group: group, Element: element}); err == nil && info.Keyword != "" {
		return info.Keyword
	}
	return fmt.Sprintf("%04x,%04x", group, element)
}

// ListResources pages over the public ids of one level.
func (s *ServerContext) ListResources(kind models.ResourceKind, since int64, limit int) ([]string, error) {
	var ids []string
	err := s.idx.Transaction(index.ReadOnly, nil, func(tx *index.Tx) error {
		var err error
		ids, err = tx.GetAllPublicIDs(kind, since, limit)
		return err
	})
	if ids == nil {
		ids = []string{}
	}
	return ids, err
}

// IsPatientProtected reports the recycling protection of a patient.
func (s *ServerContext) IsPatientProtected(publicID string) (bool, error) {
	var protected bool
	err := s.idx.Transaction(index.ReadOnly, nil, func(tx *index.Tx) error {
		id, kind, err := tx.LookupResource(publicID)
		if err != nil {
			return err
		}
		if kind != models.KindPatient {
			return errs.ErrUnknownResource
		}
		protected, err = tx.IsProtectedPatient(id)
		return err
	})
	return protected, err
}

// SetPatientProtection toggles the recycling protection of a patient.
func (s *ServerContext) SetPatientProtection(publicID string, protected bool) error {
	return s.idx.Transaction(index.ReadWrite, s.listener(), func(tx *index.Tx) error {
		id, kind, err := tx.LookupResource(publicID)
		if err != nil {
			return err
		}
		if kind != models.KindPatient {
			return errs.ErrUnknownResource
		}
		return tx.SetProtectedPatient(id, protected)
	})
}

// InstancesOf resolves any resource to the public ids of the instances below
// it; an instance resolves to itself.
func (s *ServerContext) InstancesOf(publicID string) ([]string, error) {
	var instances []string
	err := s.idx.Transaction(index.ReadOnly, nil, func(tx *index.Tx) error {
		id, kind, err := tx.LookupResource(publicID)
		if err != nil {
			return err
		}
		instances, err = collectInstances(tx, id, kind)
		return err
	})
	return instances, err
}

func collectInstances(tx *index.Tx, id int64, kind models.ResourceKind) ([]string, error) {
	if kind == models.KindInstance {
		publicID, err := tx.GetPublicID(id)
		if err != nil {
			return nil, err
		}
		return []string{publicID}, nil
	}

	children, err := tx.GetChildren(id)
	if err != nil {
		return nil, err
	}
	childKind, _ := kind.Child()

	var out []string
	for _, child := range children {
		below, err := collectInstances(tx, child, childKind)
		if err != nil {
			return nil, err
		}
		out = append(out, below...)
	}
	return out, nil
}
