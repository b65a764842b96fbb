package dataset

import (
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"echo-forge-go/internal/types"
)

// Skipped is a manifest row that did not describe an input.
type Skipped struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

type Manifest struct {
	Inputs  []types.Input `json:"inputs"`
	Skipped []Skipped     `json:"skipped,omitempty"`
}

// Load reads a batch manifest spreadsheet and returns its inputs in row
// order.
func Load(path string) ([]types.Input, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()
	m, err := parse(f, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	return m.Inputs, nil
}

// Read parses an uploaded manifest. Relative paths resolve against baseDir.
func Read(r io.Reader, baseDir string) (Manifest, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return Manifest{}, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	return parse(f, baseDir)
}

type columns struct {
	url, path, name, duration int
	headerless                bool
}

// detectColumns finds columns by header heuristics
func detectColumns(header []string) columns {
	c := columns{url: -1, path: -1, name: -1, duration: -1}
	for i, h := range header {
		l := strings.ToLower(strings.TrimSpace(h))
		switch {
		case strings.Contains(l, "url") || strings.Contains(l, "link") || strings.Contains(l, "video"):
			if c.url == -1 {
				c.url = i
			}
		case strings.Contains(l, "path") || strings.Contains(l, "file") || strings.Contains(l, "audio"):
			if c.path == -1 {
				c.path = i
			}
		case strings.Contains(l, "name") || strings.Contains(l, "title"):
			if c.name == -1 {
				c.name = i
			}
		case strings.Contains(l, "duration") || strings.Contains(l, "seconds"):
			if c.duration == -1 {
				c.duration = i
			}
		}
	}
	// headerless single-column sheets
	if c.url == -1 && c.path == -1 {
		c.url = 0
		c.headerless = len(header) > 0 && isURL(strings.TrimSpace(header[0]))
	}
	return c
}

func parse(f *excelize.File, baseDir string) (Manifest, error) {
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return Manifest{}, fmt.Errorf("no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return Manifest{}, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) == 0 {
		return Manifest{}, fmt.Errorf("no data rows")
	}

	cols := detectColumns(rows[0])
	first := 1
	if cols.headerless {
		first = 0
	}
	var m Manifest
	for i := first; i < len(rows); i++ {
		r := rows[i]
		rowNum := i + 1
		in, reason := rowInput(r, cols, baseDir)
		if reason != "" {
			m.Skipped = append(m.Skipped, Skipped{Row: rowNum, Reason: reason})
			continue
		}
		m.Inputs = append(m.Inputs, in)
	}
	return m, nil
}

func cell(r []string, idx int) string {
	if idx < 0 || idx >= len(r) {
		return ""
	}
	return strings.TrimSpace(r[idx])
}

func rowInput(r []string, cols columns, baseDir string) (types.Input, string) {
	var in types.Input
	raw, path := cell(r, cols.url), cell(r, cols.path)
	switch {
	case isURL(raw):
		in = types.Input{Kind: types.InputRemote, URL: raw}
	case isURL(path):
		in = types.Input{Kind: types.InputRemote, URL: path}
	case path != "":
		if !filepath.IsAbs(path) && baseDir != "" {
			path = filepath.Join(baseDir, path)
		}
		in = types.Input{Kind: types.InputLocal, Path: path, FileName: filepath.Base(path)}
	case raw == "" && path == "":
		return in, "empty row"
	default:
		return in, fmt.Sprintf("%q is neither a url nor a file path", raw)
	}
	if name := cell(r, cols.name); name != "" {
		in.FileName = name
	}
	if d := cell(r, cols.duration); d != "" {
		if v, err := strconv.ParseFloat(d, 64); err == nil && v > 0 {
			in.DurationSeconds = v
		}
	}
	return in, ""
}

func isURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
