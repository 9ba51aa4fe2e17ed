package filestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const pdbContent = `HEADER    HYDROLASE                               12-JAN-98   1ABC
TITLE     CRYSTAL STRUCTURE OF A TEST HYDROLASE
ATOM      1  N   ASP A   1      11.104  13.207   2.100  1.00 20.00           N
ATOM      2  CA  ASP A   1      12.560  13.207   2.100  1.00 20.00           C
ATOM      3  N   GLY B   1      14.104  15.207   3.100  1.00 20.00           N
END
`

const fastaContent = `>sp|P12345|TEST_HUMAN Test protein
MKTAYIAKQRQISFVKSHFSRQLEERLGLIEVQ
>sp|P67890|OTHER_HUMAN Other protein
MSDNAQLTGEKV
`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestUploadClassification(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  string
		want     Category
	}{
		{"pdb extension", "protein.pdb", pdbContent, CategoryStructure},
		{"fasta extension", "seq.fasta", fastaContent, CategorySequence},
		{"sniffed fasta", "sequences.txt", ">seq1 renamed fasta\nMKTAYIAK\n", CategorySequence},
		{"sniffed pdb", "model.dat", "ATOM      1  N   ASP A   1      11.104  13.207   2.100\n", CategoryStructure},
		{"csv analysis", "pka_results.csv", "residue,pka\nASP32,3.9\n", CategoryAnalysis},
		{"unrecognizable", "notes.bin", "just some plain text notes\n", CategoryUnknown},
	}

	s := newStore(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := s.Upload(writeTemp(t, tt.filename, tt.content))
			if err != nil {
				t.Fatalf("Upload: %v", err)
			}
			if rec.Category != tt.want {
				t.Errorf("category = %q, want %q", rec.Category, tt.want)
			}
			if rec.Size != int64(len(tt.content)) {
				t.Errorf("size = %d, want %d", rec.Size, len(tt.content))
			}
			if filepath.Dir(rec.Path) != filepath.Join(s.base, string(tt.want)) {
				t.Errorf("stored outside category dir: %s", rec.Path)
			}
			if _, err := os.Stat(rec.Path); err != nil {
				t.Errorf("stored file missing: %v", err)
			}
		})
	}
}

func TestUploadExtractsInfo(t *testing.T) {
	s := newStore(t)

	structure, err := s.Upload(writeTemp(t, "protein.pdb", pdbContent))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	chains, ok := structure.Info["chains"].([]string)
	if !ok || len(chains) != 2 || chains[0] != "A" || chains[1] != "B" {
		t.Errorf("chains = %v", structure.Info["chains"])
	}
	if structure.Info["pdb_id"] != "1ABC" {
		t.Errorf("pdb_id = %v", structure.Info["pdb_id"])
	}

	sequence, err := s.Upload(writeTemp(t, "seq.fasta", fastaContent))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if sequence.Info["total_sequences"] != 2 {
		t.Errorf("total_sequences = %v", sequence.Info["total_sequences"])
	}
}

func TestUploadIdempotentByFingerprint(t *testing.T) {
	s := newStore(t)

	first, err := s.Upload(writeTemp(t, "protein.pdb", pdbContent))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	// Identical content, same or different name: same identity.
	same, err := s.Upload(writeTemp(t, "protein.pdb", pdbContent))
	if err != nil {
		t.Fatalf("re-upload: %v", err)
	}
	if same.ID != first.ID {
		t.Errorf("identical content got new ID %q, want %q", same.ID, first.ID)
	}
	renamed, err := s.Upload(writeTemp(t, "copy_of_protein.pdb", pdbContent))
	if err != nil {
		t.Fatalf("renamed upload: %v", err)
	}
	if renamed.ID != first.ID {
		t.Errorf("renamed identical content got new ID %q", renamed.ID)
	}

	// Same name, different content: new identity, original untouched.
	changed, err := s.Upload(writeTemp(t, "protein.pdb", pdbContent+"REMARK   1 EDITED\n"))
	if err != nil {
		t.Fatalf("changed upload: %v", err)
	}
	if changed.ID == first.ID {
		t.Error("changed content kept the old ID")
	}
	if len(s.List("")) != 2 {
		t.Errorf("expected 2 records, got %d", len(s.List("")))
	}
}

func TestUploadMissingPath(t *testing.T) {
	s := newStore(t)
	_, err := s.Upload(filepath.Join(t.TempDir(), "does-not-exist.pdb"))
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Upload = %v, want NotFoundError", err)
	}
}

func TestReadLineWindow(t *testing.T) {
	s := newStore(t)

	var sb strings.Builder
	for i := 0; i < 10000; i++ {
		fmt.Fprintf(&sb, "line %d\n", i)
	}
	rec, err := s.Upload(writeTemp(t, "big.txt", sb.String()))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	got, err := s.Read(rec.ID, Window{Lines: true, Start: 100, Count: 50})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(got, "\n"), "\n")
	if len(lines) != 50 {
		t.Fatalf("got %d lines, want 50", len(lines))
	}
	if lines[0] != "line 100" || lines[49] != "line 149" {
		t.Errorf("window bounds wrong: first=%q last=%q", lines[0], lines[49])
	}

	// Overlapping the tail truncates rather than failing.
	tail, err := s.Read(rec.ID, Window{Lines: true, Start: 9990, Count: 100})
	if err != nil {
		t.Fatalf("Read tail: %v", err)
	}
	if n := len(strings.Split(strings.TrimSuffix(tail, "\n"), "\n")); n != 10 {
		t.Errorf("tail window returned %d lines, want 10", n)
	}

	// Entirely beyond EOF is a RangeError.
	_, err = s.Read(rec.ID, Window{Lines: true, Start: 20000, Count: 10})
	var re *RangeError
	if !errors.As(err, &re) {
		t.Fatalf("Read past EOF = %v, want RangeError", err)
	}
}

func TestReadByteWindow(t *testing.T) {
	s := newStore(t)
	rec, err := s.Upload(writeTemp(t, "data.bin", "0123456789abcdef"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	got, err := s.Read(rec.ID, Window{Start: 4, Count: 6})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "456789" {
		t.Errorf("Read = %q, want 456789", got)
	}

	_, err = s.Read(rec.ID, Window{Start: 64, Count: 4})
	var re *RangeError
	if !errors.As(err, &re) {
		t.Fatalf("Read past EOF = %v, want RangeError", err)
	}

	_, err = s.Read("no-such-id", Window{Start: 0, Count: 1})
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Read unknown id = %v, want NotFoundError", err)
	}
}

func TestSearchIsBoundedAndRestartable(t *testing.T) {
	s := newStore(t)
	rec, err := s.Upload(writeTemp(t, "protein.pdb", pdbContent))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	first, err := s.Search(rec.ID, "^atom", 1, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("got %d matches, want 2 (bounded)", len(first))
	}

	rest, err := s.Search(rec.ID, "^atom", first[len(first)-1].Line+1, 10)
	if err != nil {
		t.Fatalf("Search restart: %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("restarted scan got %d matches, want 1", len(rest))
	}
	if rest[0].Line <= first[1].Line {
		t.Errorf("restart did not advance: %d <= %d", rest[0].Line, first[1].Line)
	}
}

func TestAttachAnalysisAndReload(t *testing.T) {
	base := t.TempDir()
	s, err := Open(base)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	rec, err := s.Upload(writeTemp(t, "protein.pdb", pdbContent))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := s.AttachAnalysis(rec.ID, "pka-run-1"); err != nil {
		t.Fatalf("AttachAnalysis: %v", err)
	}
	if err := s.AttachAnalysis(rec.ID, "pka-run-2"); err != nil {
		t.Fatalf("AttachAnalysis: %v", err)
	}

	// Records and associations survive a restart.
	reopened, err := Open(base)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Info(rec.ID)
	if err != nil {
		t.Fatalf("Info after reopen: %v", err)
	}
	if len(got.Analyses) != 2 || got.Analyses[1] != "pka-run-2" {
		t.Errorf("analyses = %v", got.Analyses)
	}
	if got.Fingerprint != rec.Fingerprint {
		t.Errorf("fingerprint changed across restart")
	}
}

func TestCorruptRegistryHaltsOpen(t *testing.T) {
	base := t.TempDir()
	if err := os.WriteFile(filepath.Join(base, registryFilename), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt registry: %v", err)
	}

	if _, err := Open(base); err == nil {
		t.Fatal("Open accepted a corrupt registry")
	}
}

func TestListFiltersByCategory(t *testing.T) {
	s := newStore(t)
	if _, err := s.Upload(writeTemp(t, "protein.pdb", pdbContent)); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if _, err := s.Upload(writeTemp(t, "seq.fasta", fastaContent)); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if got := len(s.List("")); got != 2 {
		t.Errorf("List(all) = %d, want 2", got)
	}
	structures := s.List(CategoryStructure)
	if len(structures) != 1 || structures[0].Category != CategoryStructure {
		t.Errorf("List(structure) = %+v", structures)
	}
}
