package upload

import (
	"mime"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/arbundles"
)

// DetectContentType picks the media type tagged onto an item: the configured
// override, then the extension of name, then sniffing data. It returns ""
// when none applies, which is only possible with nil data.
func DetectContentType(configured, name string, data []byte) string {
	if configured != "" {
		return configured
	}
	if ext := path.Ext(name); ext != "" {
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
	}
	if data == nil {
		return ""
	}
	return mimetype.Detect(data).String()
}

// WithContentType appends a Content-Type tag chosen by DetectContentType
// unless tags already carry one. tags is never modified in place.
func WithContentType(tags []arbundles.Tag, configured, name string, data []byte) []arbundles.Tag {
	if _, ok := ContentTypeTag(tags); ok {
		return tags
	}
	ct := DetectContentType(configured, name, data)
	if ct == "" {
		return tags
	}
	out := make([]arbundles.Tag, 0, len(tags)+1)
	out = append(out, tags...)
	return append(out, arbundles.Tag{Name: "Content-Type", Value: ct})
}

// ContentTypeTag returns the value of the first Content-Type tag.
func ContentTypeTag(tags []arbundles.Tag) (string, bool) {
	for _, t := range tags {
		if strings.EqualFold(t.Name, "Content-Type") {
			return t.Value, true
		}
	}
	return "", false
}
