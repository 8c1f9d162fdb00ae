package document

import (
	"errors"
	"testing"
)

func TestFormatOf(t *testing.T) {
	tests := []struct {
		name string
		want Format
		ok   bool
	}{
		{"notes.txt", FormatText, true},
		{"Sermon.MD", FormatText, true},
		{"outline.HTM", FormatHTML, true},
		{"study.pdf", FormatPDF, true},
		{"slides.pptx", "", false},
		{"README", "", false},
	}
	for _, tc := range tests {
		got, ok := FormatOf(tc.name)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("FormatOf(%q) = %q, %v", tc.name, got, ok)
		}
	}
}

func TestTextPlainAndHTML(t *testing.T) {
	got, err := Text(FormatText, []byte("  Read\tGenesis 22\n\nand John 1:29  "))
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	if got != "Read Genesis 22 and John 1:29" {
		t.Fatalf("text = %q", got)
	}

	page := `<html><head><style>p{}</style><script>var r = "Jude 1";</script></head>
<body><h1>The Lamb</h1><p>See <b>Exodus 12:3-6</b>.</p></body></html>`
	got, err = Text(FormatHTML, []byte(page))
	if err != nil {
		t.Fatalf("html: %v", err)
	}
	if got != "The Lamb See Exodus 12:3-6 ." {
		t.Fatalf("html text = %q", got)
	}
}

func TestTextErrors(t *testing.T) {
	if _, err := Text(FormatText, []byte(" \n\t")); !errors.Is(err, ErrNoText) {
		t.Fatalf("blank: err = %v", err)
	}
	if _, err := Text(FormatText, []byte{0xff, 0x00, 0xfe}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("binary: err = %v", err)
	}
	if _, err := Text(FormatPDF, []byte("not a pdf")); err == nil {
		t.Fatalf("expected pdf open error")
	}
	if _, err := Text("docx", []byte("x")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("unknown format: err = %v", err)
	}
}
