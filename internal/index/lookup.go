package index

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/halcyonmed/dicom-archive/internal/errs"
	"github.com/halcyonmed/dicom-archive/internal/models"
	"gorm.io/gorm"
)

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// ConstraintType selects the matching rule of a lookup constraint.
type ConstraintType int

const (
	ConstraintEqual ConstraintType = iota
	ConstraintSmallerOrEqual
	ConstraintGreaterOrEqual
	ConstraintWildcard
	ConstraintList
)

// Constraint is one condition of a hierarchical lookup. Level names the
// hierarchy level the tag lives at, which may be above the query level.
type Constraint struct {
	Level         models.ResourceKind
	TagGroup      uint16
	TagElement    uint16
	Type          ConstraintType
	Value         string
	Values        []string // ConstraintList only
	CaseSensitive bool

	// Identifier constraints match against the normalized identifier
	// table; the others match the raw tag summary.
	Identifier bool

	// A mandatory constraint rejects resources missing the tag; an
	// optional one lets them through.
	Mandatory bool
}

// NormalizeIdentifier maps an identifier value to its canonical lookup form:
// whitespace trimmed, uppercased, and stripped of every character that is not
// a letter, a digit or a dot.
func NormalizeIdentifier(value string) string {
	return normalizeIdentifier(value, false)
}

// normalizeIdentifier keeps the wildcard characters when the value is a
// matching pattern rather than a stored identifier.
func normalizeIdentifier(value string, keepWildcards bool) string {
	upper := strings.ToUpper(strings.TrimSpace(value))
	var sb strings.Builder
	sb.Grow(len(upper))
	for _, r := range upper {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.':
			sb.WriteRune(r)
		case keepWildcards && (r == '*' || r == '?'):
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// ApplyLookupResources returns the public ids of the resources at queryLevel
// satisfying every constraint. Constraints at a higher level apply to the
// resource's ancestor at that level. A limit of 0 means unbounded.
func (t *Tx) ApplyLookupResources(constraints []Constraint, queryLevel models.ResourceKind, limit int) ([]string, error) {
	for _, c := range constraints {
		if c.Level > queryLevel {
			return nil, fmt.Errorf("%w: constraint below the query level", errs.ErrBadRequest)
		}
	}

	var candidates []models.Resource
	if err := t.db.Find(&candidates, "kind = ?", queryLevel).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}

	var matches []string
	for _, res := range candidates {
		ok, err := t.matchesConstraints(&res, constraints)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		matches = append(matches, res.PublicID)
		if limit > 0 && len(matches) >= limit {
			break
		}
	}
	return matches, nil
}

func (t *Tx) matchesConstraints(res *models.Resource, constraints []Constraint) (bool, error) {
	for _, c := range constraints {
		target := res
		for target.Kind > c.Level {
			if target.ParentID == nil {
				return false, nil
			}
			parent, err := t.getResource(*target.ParentID)
			if err != nil {
				return false, err
			}
			target = parent
		}

		value, found, err := t.lookupTagValue(target.ID, c)
		if err != nil {
			return false, err
		}
		if !found {
			if c.Mandatory {
				return false, nil
			}
			continue
		}
		if !c.Match(value) {
			return false, nil
		}
	}
	return true, nil
}

func (t *Tx) lookupTagValue(id int64, c Constraint) (string, bool, error) {
	if c.Identifier {
		var row models.DicomIdentifier
		err := t.db.First(&row, "resource_id = ? AND tag_group = ? AND tag_element = ?",
			id, c.TagGroup, c.TagElement).Error
		if err != nil {
			if isNotFound(err) {
				return "", false, nil
			}
			return "", false, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
		}
		return row.Value, true, nil
	}

	var row models.MainDicomTag
	err := t.db.First(&row, "resource_id = ? AND tag_group = ? AND tag_element = ?",
		id, c.TagGroup, c.TagElement).Error
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	return row.Value, true, nil
}

// Match evaluates the constraint against one stored value. Wildcard patterns
// on identifier tags keep their '*' and '?' through the normalization.
func (c Constraint) Match(value string) bool {
	fold := func(s string, pattern bool) string {
		if c.Identifier {
			s = normalizeIdentifier(s, pattern)
		}
		if !c.CaseSensitive {
			s = strings.ToUpper(s)
		}
		return s
	}
	value = fold(value, false)

	switch c.Type {
	case ConstraintEqual:
		return value == fold(c.Value, false)
	case ConstraintSmallerOrEqual:
		return value <= fold(c.Value, false)
	case ConstraintGreaterOrEqual:
		return value >= fold(c.Value, false)
	case ConstraintWildcard:
		return wildcardMatch(fold(c.Value, true), value)
	case ConstraintList:
		for _, v := range c.Values {
			if value == fold(v, false) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// wildcardMatch implements DICOM wildcard matching: '*' matches any run,
// '?' matches one character.
func wildcardMatch(pattern, value string) bool {
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return false
	}
	return re.MatchString(value)
}
