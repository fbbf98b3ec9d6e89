package studies

import (
	"bytes"
	"errors"
	"testing"

	"github.com/labcontrol-io/platform/pkg/common/models"
	"github.com/labcontrol-io/platform/pkg/common/validation"
)

var (
	pdfBytes  = []byte("%PDF-1.7\n%lab report\n")
	pngBytes  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 13}
	jpegBytes = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}
)

func TestValidateAcceptsSupportedTypes(t *testing.T) {
	v := NewFileValidator(10 << 20)

	cases := []struct {
		name     string
		file     models.ResultFile
		expected string
	}{
		{"pdf", models.ResultFile{Filename: "report.pdf", ContentType: "application/pdf", Data: pdfBytes}, "application/pdf"},
		{"png", models.ResultFile{Filename: "scan.png", ContentType: "image/png", Data: pngBytes}, "image/png"},
		{"jpeg", models.ResultFile{Filename: "scan.jpeg", ContentType: "image/jpeg", Data: jpegBytes}, "image/jpeg"},
		{"no declared type", models.ResultFile{Filename: "report.pdf", Data: pdfBytes}, "application/pdf"},
		{"charset parameter", models.ResultFile{Filename: "report.pdf", ContentType: "application/pdf; charset=binary", Data: pdfBytes}, "application/pdf"},
	}

	for _, tc := range cases {
		got, err := v.Validate(tc.file)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
			continue
		}
		if got != tc.expected {
			t.Errorf("%s: content type = %q, want %q", tc.name, got, tc.expected)
		}
	}
}

func TestValidateRejects(t *testing.T) {
	v := NewFileValidator(10 << 20)

	cases := []struct {
		name  string
		file  models.ResultFile
		field string
	}{
		{"empty", models.ResultFile{Filename: "report.pdf"}, "file"},
		{"unsupported type", models.ResultFile{Filename: "report.txt", Data: []byte("plain text result")}, "file"},
		{"declared type mismatch", models.ResultFile{Filename: "report.pdf", ContentType: "image/png", Data: pdfBytes}, "content_type"},
		{"extension mismatch", models.ResultFile{Filename: "report.png", Data: pdfBytes}, "filename"},
		// A renamed executable must not pass on extension alone.
		{"spoofed pdf", models.ResultFile{Filename: "report.pdf", ContentType: "application/pdf", Data: []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0}}, "file"},
	}

	for _, tc := range cases {
		_, err := v.Validate(tc.file)
		var verr validation.Error
		if !errors.As(err, &verr) {
			t.Errorf("%s: expected validation error, got %v", tc.name, err)
			continue
		}
		if verr.Field != tc.field {
			t.Errorf("%s: error on field %q, want %q", tc.name, verr.Field, tc.field)
		}
	}
}

func TestValidateEnforcesSizeLimit(t *testing.T) {
	v := NewFileValidator(1 << 10)

	big := append([]byte{}, pdfBytes...)
	big = append(big, bytes.Repeat([]byte{' '}, 1<<10)...)

	_, err := v.Validate(models.ResultFile{Filename: "report.pdf", Data: big})
	var verr validation.Error
	if !errors.As(err, &verr) || verr.Field != "file" {
		t.Fatalf("expected size validation error, got %v", err)
	}

	small := models.ResultFile{Filename: "report.pdf", Data: pdfBytes}
	if _, err := v.Validate(small); err != nil {
		t.Fatalf("file under the limit rejected: %v", err)
	}
}
