package filestore

import (
	"bufio"
	"io"
	"path/filepath"
	"sort"
	"strings"
)

// Category partitions uploaded files into the on-disk directory layout.
type Category string

const (
	CategoryStructure     Category = "structure"
	CategorySequence      Category = "sequence"
	CategoryAnalysis      Category = "analysis"
	CategoryVisualization Category = "visualization"
	CategoryUnknown       Category = "unknown"
)

var extensionCategories = map[string]Category{
	".pdb":    CategoryStructure,
	".cif":    CategoryStructure,
	".mmcif":  CategoryStructure,
	".fasta":  CategorySequence,
	".fa":     CategorySequence,
	".fas":    CategorySequence,
	".pka":    CategoryAnalysis,
	".csv":    CategoryAnalysis,
	".png":    CategoryVisualization,
	".svg":    CategoryVisualization,
}

// Classify picks a category by extension first, falling back to content
// sniffing of the leading bytes. A '>' as the first non-whitespace byte
// marks a sequence file even under an unexpected extension.
func Classify(name string, head []byte) Category {
	ext := strings.ToLower(filepath.Ext(name))
	if cat, ok := extensionCategories[ext]; ok {
		return cat
	}
	return sniff(head)
}

func sniff(head []byte) Category {
	trimmed := strings.TrimLeft(string(head), " \t\r\n")
	if trimmed == "" {
		return CategoryUnknown
	}
	if trimmed[0] == '>' {
		return CategorySequence
	}
	if strings.HasPrefix(trimmed, "HEADER") || strings.HasPrefix(trimmed, "ATOM ") {
		return CategoryStructure
	}
	return CategoryUnknown
}

// extractStructureInfo scans a PDB stream for its header, title, chain
// set and atom record count.
func extractStructureInfo(r io.Reader) map[string]any {
	info := map[string]any{}
	chains := map[string]struct{}{}
	atoms := 0

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "HEADER"):
			if len(line) >= 50 {
				info["header"] = strings.TrimSpace(line[10:50])
			}
			if len(line) >= 66 {
				info["pdb_id"] = strings.TrimSpace(line[62:66])
			}
		case strings.HasPrefix(line, "TITLE"):
			if len(line) > 10 {
				info["title"] = strings.TrimSpace(line[10:])
			}
		case strings.HasPrefix(line, "ATOM"):
			atoms++
			if len(line) > 21 {
				chains[string(line[21])] = struct{}{}
			}
		}
	}

	if len(chains) > 0 {
		list := make([]string, 0, len(chains))
		for c := range chains {
			list = append(list, c)
		}
		sort.Strings(list)
		info["chains"] = list
	}
	if atoms > 0 {
		info["atom_count"] = atoms
	}
	return info
}

const sequencePreviewLen = 50

// extractSequenceInfo scans a FASTA stream and summarizes each record:
// header, length and a short preview.
func extractSequenceInfo(r io.Reader) map[string]any {
	type seqSummary struct {
		header  string
		length  int
		preview strings.Builder
	}

	var sequences []map[string]any
	var current *seqSummary

	flush := func() {
		if current == nil {
			return
		}
		preview := current.preview.String()
		if current.length > sequencePreviewLen {
			preview += "..."
		}
		sequences = append(sequences, map[string]any{
			"header":  current.header,
			"length":  current.length,
			"preview": preview,
		})
		current = nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ">") {
			flush()
			current = &seqSummary{header: strings.TrimPrefix(line, ">")}
			continue
		}
		if current == nil {
			continue
		}
		current.length += len(line)
		if remaining := sequencePreviewLen - current.preview.Len(); remaining > 0 {
			if len(line) > remaining {
				line = line[:remaining]
			}
			current.preview.WriteString(line)
		}
	}
	flush()

	if len(sequences) == 0 {
		return map[string]any{}
	}
	return map[string]any{
		"total_sequences": len(sequences),
		"sequences":       sequences,
	}
}
