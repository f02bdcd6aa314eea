package segment

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	timestampLayout = "20060102_150405"
	dateLayout      = "20060102"

	captureMarker  = ".capture"
	compressMarker = ".compress"
)

// Naming derives on-disk names for segments.
//
// Final segments are named <prefix>_YYYYMMDD_HHMMSS<ext>. The timestamp is
// always UTC; local wall-clock names repeat when clocks fall back. While a
// segment is being written its files carry a marker before the extension so
// they can never be mistaken for a finalized segment.
type Naming struct {
	Prefix string // "recording"
	Ext    string // ".mp4"

	final   *regexp.Regexp
	working *regexp.Regexp
}

// NewNaming builds a Naming for the given prefix and extension.
func NewNaming(prefix, ext string) Naming {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	p := regexp.QuoteMeta(prefix)
	e := regexp.QuoteMeta(ext)
	return Naming{
		Prefix:  prefix,
		Ext:     ext,
		final:   regexp.MustCompile(`^` + p + `_(\d{8})_(\d{6})` + e + `$`),
		working: regexp.MustCompile(`^` + p + `_\d{8}_\d{6}(` + regexp.QuoteMeta(captureMarker) + `|` + regexp.QuoteMeta(compressMarker) + `)` + e + `$`),
	}
}

// Name returns the final file name for a segment ID.
func (n Naming) Name(id time.Time) string {
	return fmt.Sprintf("%s_%s%s", n.Prefix, id.UTC().Format(timestampLayout), n.Ext)
}

// CaptureName returns the in-progress raw capture name.
func (n Naming) CaptureName(id time.Time) string {
	return fmt.Sprintf("%s_%s%s%s", n.Prefix, id.UTC().Format(timestampLayout), captureMarker, n.Ext)
}

// CompressName returns the in-progress compressed output name.
func (n Naming) CompressName(id time.Time) string {
	return fmt.Sprintf("%s_%s%s%s", n.Prefix, id.UTC().Format(timestampLayout), compressMarker, n.Ext)
}

// Match reports whether name is a finalized segment name.
func (n Naming) Match(name string) bool {
	return n.final.MatchString(name)
}

// InProgress reports whether name is a leftover capture or compress file.
func (n Naming) InProgress(name string) bool {
	return n.working.MatchString(name)
}

// Parse returns the timestamp embedded in a finalized segment name.
func (n Naming) Parse(name string) (time.Time, bool) {
	m := n.final.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(timestampLayout, m[1]+"_"+m[2], time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Date returns the YYYYMMDD folder key for a finalized segment name.
func (n Naming) Date(name string) (string, bool) {
	m := n.final.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	if _, err := time.Parse(dateLayout, m[1]); err != nil {
		return "", false
	}
	return m[1], true
}
