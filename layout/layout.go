// Package layout names every object in a session namespace.
//
// Information Hiding:
// - Path templates for progress, search and analysis files hidden
// - Criterion batch filename grammar hidden
// - Callers never compose store paths by concatenation
package layout

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Fixed paths and prefixes within a session namespace.
const (
	ProgressPath   = "progress.json"
	RawSearchDir   = "searches_raw/"
	AnalysisDir    = "analysis/"
	BatchDigits    = 3
	MaxBatchIndex  = 999
	batchExtension = ".json"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// RawSearch returns the path of the raw result file for a search.
func RawSearch(number int) string {
	return fmt.Sprintf("%ssearch_%d.json", RawSearchDir, number)
}

// SearchDetail returns the path of the summary/detail file for a search.
func SearchDetail(number int) string {
	return fmt.Sprintf("search_%d_detail.json", number)
}

// Analysis returns the cache path for a media asset's analysis.
func Analysis(mediaAssetID string) string {
	return AnalysisDir + mediaAssetID + ".json"
}

// ValidSlug reports whether s is a usable criterion slug.
func ValidSlug(s string) bool {
	return slugPattern.MatchString(s)
}

// Batch returns the filename of the index-th batch for a criterion slug.
func Batch(slug string, index int) string {
	return fmt.Sprintf("%s-%0*d%s", slug, BatchDigits, index, batchExtension)
}

// BatchPattern returns the regular expression matching batch files of slug
// at the namespace root.
func BatchPattern(slug string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(slug) + `-(\d{3})\.json$`)
}

// ParseBatch returns the batch index encoded in name if it belongs to slug.
func ParseBatch(slug, name string) (int, bool) {
	m := BatchPattern(slug).FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsRootFile reports whether p lives directly at the namespace root.
func IsRootFile(p string) bool {
	return p != "" && !strings.Contains(p, "/")
}
