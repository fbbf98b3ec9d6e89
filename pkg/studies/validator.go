package studies

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/labcontrol-io/platform/pkg/common/models"
	"github.com/labcontrol-io/platform/pkg/common/validation"
)

// allowedResultTypes maps accepted attachment content types to the
// extensions they may carry.
var allowedResultTypes = map[string][]string{
	"application/pdf": {".pdf"},
	"image/jpeg":      {".jpg", ".jpeg"},
	"image/png":       {".png"},
}

// FileValidator checks a result attachment before anything is written.
// Validation is all-or-nothing: a rejected file leaves no partial state
// behind because no byte of it reaches the blob store.
type FileValidator struct {
	maxSize int64
}

func NewFileValidator(maxSize int64) *FileValidator {
	return &FileValidator{maxSize: maxSize}
}

// Validate returns the sniffed content type on success. The declared
// content type and filename extension are cross-checked against the
// bytes actually uploaded; a mismatch is rejected, never trusted.
func (v *FileValidator) Validate(file models.ResultFile) (string, error) {
	if len(file.Data) == 0 {
		return "", validation.NewError("file", "file is empty")
	}
	if int64(len(file.Data)) > v.maxSize {
		return "", validation.NewError("file", "file exceeds the maximum size of %d bytes", v.maxSize)
	}

	sniffed := detectContentType(file.Data)
	extensions, ok := allowedResultTypes[sniffed]
	if !ok {
		return "", validation.NewError("file", "unsupported file type %q; only PDF, JPEG and PNG results are accepted", sniffed)
	}

	if declared := normalizeContentType(file.ContentType); declared != "" && declared != sniffed {
		return "", validation.NewError("content_type", "declared content type %q does not match uploaded content %q", declared, sniffed)
	}

	ext := strings.ToLower(filepath.Ext(file.Filename))
	if ext != "" && !contains(extensions, ext) {
		return "", validation.NewError("filename", "extension %q does not match uploaded content %q", ext, sniffed)
	}

	return sniffed, nil
}

func detectContentType(data []byte) string {
	sniffed := http.DetectContentType(data)
	if idx := strings.Index(sniffed, ";"); idx >= 0 {
		sniffed = sniffed[:idx]
	}
	return strings.TrimSpace(strings.ToLower(sniffed))
}

func normalizeContentType(raw string) string {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if idx := strings.Index(raw, ";"); idx >= 0 {
		raw = strings.TrimSpace(raw[:idx])
	}
	return raw
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
