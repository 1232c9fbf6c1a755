package services

import (
	"fmt"
	"strings"

	"github.com/halcyonmed/dicom-archive/internal/dicomtool"
	"github.com/halcyonmed/dicom-archive/internal/dimse"
	"github.com/halcyonmed/dicom-archive/internal/errs"
	"github.com/halcyonmed/dicom-archive/internal/index"
	"github.com/halcyonmed/dicom-archive/internal/models"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// findLimit caps the matches a single C-FIND returns.
const findLimit = 1000

// queryLevelOf maps the wire value of QueryRetrieveLevel to a hierarchy
// level.
func queryLevelOf(value string) (models.ResourceKind, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "PATIENT":
		return models.KindPatient, nil
	case "STUDY":
		return models.KindStudy, nil
	case "SERIES":
		return models.KindSeries, nil
	case "IMAGE", "INSTANCE":
		return models.KindInstance, nil
	default:
		return 0, fmt.Errorf("%w: unsupported query level %q", errs.ErrBadRequest, value)
	}
}

// Find answers a C-FIND identifier: the non-empty attributes become lookup
// constraints, the empty ones become return keys. One answer dataset is
// produced per matching resource.
func (s *ServerContext) Find(query *dimse.Dataset) ([]*dimse.Dataset, error) {
	level, err := queryLevelOf(query.GetString(dimse.TagQueryRetrieveLevel))
	if err != nil {
		return nil, err
	}

	constraints, returnKeys := queryToConstraints(query, level)

	var answers []*dimse.Dataset
	err = s.idx.Transaction(index.ReadOnly, nil, func(tx *index.Tx) error {
		matches, err := tx.ApplyLookupResources(constraints, level, findLimit)
		if err != nil {
			return err
		}
		for _, publicID := range matches {
			answer, err := s.renderAnswer(tx, publicID, level, returnKeys)
			if err != nil {
				return err
			}
			answers = append(answers, answer)
		}
		return nil
	})
	return answers, err
}

// queryToConstraints splits the identifier into constraints and return keys.
// Attributes the summary does not index are echoed back empty.
func queryToConstraints(query *dimse.Dataset, level models.ResourceKind) ([]index.Constraint, []dimse.Tag) {
	var constraints []index.Constraint
	var returnKeys []dimse.Tag

	for _, t := range query.Tags() {
		if t == dimse.TagQueryRetrieveLevel || t == dimse.TagSpecificCharacterSet {
			continue
		}
		returnKeys = append(returnKeys, t)

		value := query.GetString(t)
		if value == "" {
			continue
		}

		tagLevel, known := dicomtool.LevelOfTag(tag.Tag{Group: t.Group, Element: t.Element})
		if !known || tagLevel > level {
			continue
		}

		c := index.Constraint{
			Level:      tagLevel,
			TagGroup:   t.Group,
			TagElement: t.Element,
			Mandatory:  true,
		}
		if dicomtool.IsIdentifierTag(tagLevel, tag.Tag{Group: t.Group, Element: t.Element}) {
			c.Identifier = true
		}

		switch {
		case strings.Contains(value, "\\"):
			c.Type = index.ConstraintList
			c.Values = strings.Split(value, "\\")
		case isDateRange(t, value):
			lower, upper := splitDateRange(value)
			if lower != "" {
				low := c
				low.Type = index.ConstraintGreaterOrEqual
				low.Value = lower
				constraints = append(constraints, low)
			}
			if upper != "" {
				c.Type = index.ConstraintSmallerOrEqual
				c.Value = upper
			} else {
				continue
			}
		case strings.ContainsAny(value, "*?"):
			c.Type = index.ConstraintWildcard
			c.Value = value
		default:
			c.Type = index.ConstraintEqual
			c.Value = value
		}
		constraints = append(constraints, c)
	}
	return constraints, returnKeys
}

func isDateRange(t dimse.Tag, value string) bool {
	if t != dimse.TagStudyDate && t != dimse.TagPatientBirthDate {
		return false
	}
	return strings.Contains(value, "-")
}

func splitDateRange(value string) (lower, upper string) {
	parts := strings.SplitN(value, "-", 2)
	lower = strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		upper = strings.TrimSpace(parts[1])
	}
	return
}

// renderAnswer builds one C-FIND answer: the requested keys filled from the
// tag summaries of the resource and its ancestors.
func (s *ServerContext) renderAnswer(tx *index.Tx, publicID string, level models.ResourceKind, returnKeys []dimse.Tag) (*dimse.Dataset, error) {
	id, _, err := tx.LookupResource(publicID)
	if err != nil {
		return nil, err
	}

	// Collect the summaries from the query level up to the patient so the
	// answer can carry attributes of any ancestor.
	values := make(map[dimse.Tag]string)
	current := id
	for {
		tags, err := tx.GetMainDicomTags(current)
		if err != nil {
			return nil, err
		}
		for _, t := range tags {
			values[dimse.Tag{Group: t.TagGroup, Element: t.TagElement}] = t.Value
		}
		parent, err := tx.GetParent(current)
		if err != nil {
			break
		}
		current = parent
	}

	answer := dimse.NewDataset()
	answer.Set(dimse.TagQueryRetrieveLevel, levelWireName(level))
	answer.Set(dimse.TagRetrieveAETitle, s.cfg.Dicom.AET)
	for _, t := range returnKeys {
		answer.Set(t, values[t])
	}
	return answer, nil
}

func levelWireName(kind models.ResourceKind) string {
	switch kind {
	case models.KindPatient:
		return "PATIENT"
	case models.KindStudy:
		return "STUDY"
	case models.KindSeries:
		return "SERIES"
	default:
		return "IMAGE"
	}
}
