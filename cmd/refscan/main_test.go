package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunReadsStdin(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run(nil, strings.NewReader("Rom 6:23 and Romans 6:23; also Eph. 2:8-9"), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit = %d stderr=%s", code, errOut.String())
	}
	if got := out.String(); got != "Romans 6:23\nEphesians 2:8-9\n" {
		t.Fatalf("output = %q", got)
	}
}

func TestRunFilesAndTally(t *testing.T) {
	dir := t.TempDir()
	notes := filepath.Join(dir, "notes.txt")
	page := filepath.Join(dir, "outline.html")
	if err := os.WriteFile(notes, []byte("Genesis 3:15, John 3:16"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(page, []byte("<p>John 19:30</p>"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var out, errOut bytes.Buffer
	if code := run([]string{notes, page}, nil, &out, &errOut); code != 0 {
		t.Fatalf("exit = %d stderr=%s", code, errOut.String())
	}
	want := notes + ": Genesis 3:15\n" + notes + ": John 3:16\n" + page + ": John 19:30\n"
	if out.String() != want {
		t.Fatalf("output = %q", out.String())
	}

	out.Reset()
	if code := run([]string{"--books", page, notes}, nil, &out, &errOut); code != 0 {
		t.Fatalf("tally exit = %d", code)
	}
	if out.String() != "Genesis\t1\nJohn\t2\n" {
		t.Fatalf("tally = %q", out.String())
	}
}

func TestRunJSONAndMissingFile(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run([]string{"--json", filepath.Join(t.TempDir(), "missing.txt")}, nil, &out, &errOut)
	if code != 1 {
		t.Fatalf("exit = %d", code)
	}
	if !strings.Contains(errOut.String(), "missing.txt") {
		t.Fatalf("stderr = %q", errOut.String())
	}

	out.Reset()
	if code := run([]string{"--json"}, strings.NewReader("Psalm 22:1"), &out, &errOut); code != 0 {
		t.Fatalf("exit = %d", code)
	}
	var reports []fileReport
	if err := json.Unmarshal(out.Bytes(), &reports); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(reports) != 1 || reports[0].File != "-" || reports[0].References[0].Book != "Psalms" {
		t.Fatalf("reports = %+v", reports)
	}
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"--nope"}, nil, &out, &errOut); code != 2 {
		t.Fatalf("exit = %d", code)
	}
}
