package render

import (
	"encoding/base64"
	"errors"
	"strings"

	"github.com/yourusername/social-report-exporter/pkg/model"
)

// PNGPrefix starts every captured image
const PNGPrefix = "data:image/png;base64,"

var errBadDataURI = errors.New("not a base64 PNG data URI")

// EncodePNG wraps PNG bytes in a data URI
func EncodePNG(data []byte) string {
	return PNGPrefix + base64.StdEncoding.EncodeToString(data)
}

// DecodePNG extracts the PNG bytes of a data URI produced by EncodePNG or a
// browser canvas
func DecodePNG(uri string) ([]byte, error) {
	if !strings.HasPrefix(uri, PNGPrefix) {
		return nil, errBadDataURI
	}
	data, err := base64.StdEncoding.DecodeString(uri[len(PNGPrefix):])
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errBadDataURI
	}
	return data, nil
}

// validPNG reports whether uri carries a non-empty PNG. A blank canvas
// serializes to "data:," which is rejected.
func validPNG(uri string) bool {
	_, err := DecodePNG(uri)
	return err == nil
}

func captured(key string, uri string) model.CapturedImage {
	return model.CapturedImage{Key: key, DataURI: &uri}
}
