package uploader

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"video-chunk-pipeline/internal/mediaerr"
)

// mediaTypes lists the extensions each supported media type may be stored under.
var mediaTypes = map[string][]string{
	"video/mp4":        {".mp4", ".m4v"},
	"video/webm":       {".webm"},
	"video/quicktime":  {".mov"},
	"video/x-msvideo":  {".avi"},
	"video/x-matroska": {".mkv"},
	"video/ogg":        {".ogv"},
	"video/3gpp":       {".3gp"},
	"video/mp2t":       {".ts"},
	"image/jpeg":       {".jpg", ".jpeg"},
	"image/png":        {".png"},
	"image/webp":       {".webp"},
}

var typeByExt = func() map[string]string {
	out := make(map[string]string)
	for typ, exts := range mediaTypes {
		for _, ext := range exts {
			out[ext] = typ
		}
	}
	return out
}()

// Normalize strips parameters and lower-cases a content type.
func Normalize(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	return mt
}

// TypeForName returns the media type stored under name's extension, or "".
func TypeForName(name string) string {
	return typeByExt[strings.ToLower(filepath.Ext(name))]
}

func isGeneric(t string) bool {
	switch t {
	case "", "application/octet-stream", "binary/octet-stream", "application/binary":
		return true
	}
	return false
}

func family(t string) string {
	f, _, _ := strings.Cut(t, "/")
	return f
}

func isMediaFamily(f string) bool {
	return f == "video" || f == "image" || f == "audio"
}

// Resolution is the outcome of checking a chunk's declared type against the expected one.
type Resolution struct {
	ContentType string
	Coerced     bool
}

// Resolve decides the content type a chunk is stored under. It never fails for a generic declared type
// whose key extension agrees with the expected type; it fails with an Integrity error when the key
// extension contradicts the expected type or the payload sniffs as a different media family.
func Resolve(declared, expected, key string, index int, data []byte) (Resolution, error) {
	declared = Normalize(declared)
	expected = Normalize(expected)
	extType := TypeForName(key)

	if isGeneric(expected) {
		switch {
		case extType != "":
			expected = extType
		case !isGeneric(declared):
			return Resolution{ContentType: declared}, nil
		default:
			return Resolution{ContentType: "application/octet-stream", Coerced: declared != "application/octet-stream"}, nil
		}
	}

	if extType != "" && extType != expected {
		return Resolution{}, mediaerr.Integrity(
			fmt.Sprintf("key %s implies %s but %s was expected", key, extType, expected), nil)
	}

	if declared == expected {
		return Resolution{ContentType: expected}, nil
	}

	// Only the first chunk carries a container header worth sniffing.
	if index == 0 && len(data) > 0 {
		detected := Normalize(mimetype.Detect(data).String())
		if f := family(detected); isMediaFamily(f) && f != family(expected) {
			return Resolution{}, mediaerr.Integrity(
				fmt.Sprintf("payload of %s sniffs as %s, expected %s", key, detected, expected), nil)
		}
	}

	if isGeneric(declared) || extType == expected {
		return Resolution{ContentType: expected, Coerced: true}, nil
	}
	return Resolution{}, mediaerr.Integrity(
		fmt.Sprintf("declared %s for %s cannot be rewrapped as %s", declared, key, expected), nil)
}
