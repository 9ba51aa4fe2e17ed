package filestore

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// Window selects a region of a file, either by line (Lines true: start
// line and count, zero-based) or by byte offset and length.
type Window struct {
	Lines bool
	Start int64
	Count int64
}

// Read streams the requested window of the file for id. Only the window
// and the seek distance needed to reach it are touched; the file is
// never materialized whole. A window starting entirely beyond EOF is a
// RangeError; a window overlapping the tail is truncated, not an error.
func (s *Store) Read(id string, w Window) (string, error) {
	rec, err := s.Info(id)
	if err != nil {
		return "", err
	}
	if w.Start < 0 || w.Count <= 0 {
		return "", fmt.Errorf("filestore: invalid window start=%d count=%d", w.Start, w.Count)
	}

	lock := s.lockFor(id)
	lock.RLock()
	defer lock.RUnlock()

	f, err := os.Open(rec.Path)
	if err != nil {
		return "", &IOError{Op: "open " + id, Err: err}
	}
	defer f.Close()

	if w.Lines {
		return readLineWindow(f, id, w)
	}
	return readByteWindow(f, id, w)
}

func readByteWindow(f *os.File, id string, w Window) (string, error) {
	info, err := f.Stat()
	if err != nil {
		return "", &IOError{Op: "stat " + id, Err: err}
	}
	if w.Start >= info.Size() {
		return "", &RangeError{ID: id, Start: w.Start, Extent: info.Size(), Unit: "bytes"}
	}
	if _, err := f.Seek(w.Start, io.SeekStart); err != nil {
		return "", &IOError{Op: "seek " + id, Err: err}
	}

	var sb strings.Builder
	if _, err := io.Copy(&sb, io.LimitReader(f, w.Count)); err != nil {
		return "", &IOError{Op: "read " + id, Err: err}
	}
	return sb.String(), nil
}

func readLineWindow(f *os.File, id string, w Window) (string, error) {
	reader := bufio.NewReader(f)

	var sb strings.Builder
	var lineNo int64
	for lineNo < w.Start+w.Count {
		line, err := reader.ReadString('\n')
		if line != "" && lineNo >= w.Start {
			sb.WriteString(line)
		}
		if err == io.EOF {
			if lineNo < w.Start || (lineNo == w.Start && line == "") {
				return "", &RangeError{ID: id, Start: w.Start, Extent: lineNo, Unit: "lines"}
			}
			return sb.String(), nil
		}
		if err != nil {
			return "", &IOError{Op: "read " + id, Err: err}
		}
		lineNo++
	}
	return sb.String(), nil
}

// Match is one search hit: a 1-based line number and the matching line.
type Match struct {
	Line int64  `json:"line"`
	Text string `json:"text"`
}

// Search scans the file line by line for a case-insensitive pattern,
// starting at 1-based fromLine, returning at most maxMatches hits. The
// scan is restartable: pass the last hit's Line+1 to continue.
func (s *Store) Search(id, pattern string, fromLine int64, maxMatches int) ([]Match, error) {
	rec, err := s.Info(id)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("filestore: bad pattern %q: %w", pattern, err)
	}
	if fromLine < 1 {
		fromLine = 1
	}
	if maxMatches <= 0 {
		maxMatches = 100
	}

	lock := s.lockFor(id)
	lock.RLock()
	defer lock.RUnlock()

	f, err := os.Open(rec.Path)
	if err != nil {
		return nil, &IOError{Op: "open " + id, Err: err}
	}
	defer f.Close()

	var matches []Match
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var lineNo int64
	for scanner.Scan() {
		lineNo++
		if lineNo < fromLine {
			continue
		}
		line := scanner.Text()
		if re.MatchString(line) {
			matches = append(matches, Match{Line: lineNo, Text: strings.TrimSpace(line)})
			if len(matches) >= maxMatches {
				break
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &IOError{Op: "scan " + id, Err: err}
	}
	return matches, nil
}
