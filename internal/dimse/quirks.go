package dimse

import (
	"strings"

	"github.com/halcyonmed/dicom-archive/internal/models"
	"github.com/rs/zerolog/log"
)

// queryLevels orders the hierarchy levels of the query/retrieve models. A
// C-FIND at one level may carry the attributes of that level and of every
// level above it.
var queryLevels = []string{"PATIENT", "STUDY", "SERIES", "IMAGE"}

// levelTags lists the attributes each level contributes to a query.
var levelTags = map[string][]Tag{
	"PATIENT": {TagPatientName, TagPatientID, TagPatientBirthDate, TagPatientSex},
	"STUDY": {TagStudyInstanceUID, TagStudyDate, TagStudyDescription,
		TagAccessionNumber, TagStudyID},
	"SERIES": {TagSeriesInstanceUID, TagModality, TagSeriesDescription, TagSeriesNumber},
	"IMAGE":  {TagSOPInstanceUID, TagSOPClassUID, TagInstanceNumber},
}

// retrieveKeys may appear at any level; the peer fills them in its answers.
var retrieveKeys = []Tag{
	TagSpecificCharacterSet,
	TagQueryRetrieveLevel,
	TagRetrieveAETitle,
	TagNumberOfStudyRelatedInstances,
	TagNumberOfSeriesRelatedInstances,
}

// mandatoryKey names the identifier attribute a query of one level must
// carry.
var mandatoryKey = map[string]Tag{
	"PATIENT": TagPatientID,
	"STUDY":   TagStudyInstanceUID,
	"SERIES":  TagSeriesInstanceUID,
	"IMAGE":   TagSOPInstanceUID,
}

func allowedFindTags(level string) map[Tag]bool {
	allowed := make(map[Tag]bool)
	for _, t := range retrieveKeys {
		allowed[t] = true
	}
	for _, l := range queryLevels {
		for _, t := range levelTags[l] {
			allowed[t] = true
		}
		if l == level {
			break
		}
	}
	return allowed
}

// NormalizeFindQuery prepares an outgoing C-FIND identifier: attributes the
// query level does not know are dropped, the manufacturer quirks are applied
// and the mandatory identifier key of the level is added when absent. The
// dataset is modified in place.
func NormalizeFindQuery(query *Dataset, level string, quirk models.ModalityQuirk) {
	level = strings.ToUpper(strings.TrimSpace(level))
	if level == "INSTANCE" {
		level = "IMAGE"
	}

	allowed := allowedFindTags(level)
	for _, t := range query.Tags() {
		if !allowed[t] {
			log.Debug().Str("tag", t.String()).Str("level", level).
				Msg("Attribute dropped from the C-FIND query")
			query.Delete(t)
		}
	}

	FixFindQuery(query, quirk)

	if key, ok := mandatoryKey[level]; ok {
		if _, present := query.Get(key); !present {
			query.Set(key, UniversalMatch(quirk))
		}
	}
}

// FixFindQuery rewrites an outgoing C-FIND query for peers that choke on
// standard matching constructs. The dataset is modified in place. GE units
// accept every standard construct; their only deviation is the universal
// match value.
func FixFindQuery(query *Dataset, quirk models.ModalityQuirk) {
	switch quirk {
	case models.QuirkGenericNoWildcardInDates:
		stripDateWildcards(query)
	case models.QuirkGenericNoUniversalWildcard:
		stripUniversalWildcards(query)
	}
}

// UniversalMatch returns the value a peer expects for "match anything" when
// a missing mandatory key is filled in: GE units want an explicit "*",
// everyone else an empty value.
func UniversalMatch(quirk models.ModalityQuirk) string {
	if quirk == models.QuirkGE {
		return "*"
	}
	return ""
}

// stripDateWildcards blanks date attributes containing wildcards; the peers
// concerned treat an empty value as universal matching.
func stripDateWildcards(query *Dataset) {
	for _, t := range query.Tags() {
		if vrOf(t) != "DA" {
			continue
		}
		if value, _ := query.Get(t); strings.ContainsAny(value, "*?") {
			query.Set(t, "")
		}
	}
}

// stripUniversalWildcards blanks attributes whose value is exactly "*".
func stripUniversalWildcards(query *Dataset) {
	for _, t := range query.Tags() {
		if value, _ := query.Get(t); value == "*" {
			query.Set(t, "")
		}
	}
}
