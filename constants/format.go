package constants

import "strings"

// ArtifactFormat selects the serialization of an export artifact.
type ArtifactFormat string

const (
	FormatCSV     ArtifactFormat = "csv"
	FormatCSVGzip ArtifactFormat = "csv.gz"
	FormatXLSX    ArtifactFormat = "xlsx"
)

// Extensions keyed by format, including the leading dot.
var extensions = map[ArtifactFormat]string{
	FormatCSV:     ".csv",
	FormatCSVGzip: ".csv.gz",
	FormatXLSX:    ".xlsx",
}

// ParseFormat normalizes a requested format string. Empty input means CSV.
func ParseFormat(s string) (ArtifactFormat, bool) {
	if s == "" {
		return FormatCSV, true
	}
	f := ArtifactFormat(strings.ToLower(strings.TrimSpace(s)))
	_, ok := extensions[f]
	return f, ok
}

// Extension returns the object-key suffix for the format.
func (f ArtifactFormat) Extension() string {
	if ext, ok := extensions[f]; ok {
		return ext
	}
	return ".csv"
}
