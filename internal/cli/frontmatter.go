package cli

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var errFrontmatterUnclosed = errors.New("frontmatter: missing closing ---")

// markdownHeader is the YAML frontmatter of a markdown file.
type markdownHeader struct {
	Title   string         `yaml:"title"`
	Tags    []string       `yaml:"tags"`
	Summary string         `yaml:"summary"`
	Extra   map[string]any `yaml:",inline"`
}

// splitFrontmatter separates a leading "---" delimited YAML block from the
// body. Input without a block is returned unchanged with a zero header.
func splitFrontmatter(data []byte) (markdownHeader, []byte, error) {
	var hdr markdownHeader

	rest, ok := cutDelimiter(data)
	if !ok {
		return hdr, data, nil
	}

	end := -1
	offset := 0

	for offset < len(rest) {
		line := rest[offset:]
		if i := bytes.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}

		if string(bytes.TrimRight(line, "\r")) == "---" {
			end = offset

			break
		}

		offset += len(line) + 1
	}

	if end < 0 {
		return hdr, nil, errFrontmatterUnclosed
	}

	err := yaml.Unmarshal(rest[:end], &hdr)
	if err != nil {
		return markdownHeader{}, nil, fmt.Errorf("frontmatter: %w", err)
	}

	body := rest[end:]
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = nil
	}

	return hdr, bytes.TrimLeft(body, "\r\n"), nil
}

func cutDelimiter(data []byte) ([]byte, bool) {
	for _, prefix := range []string{"---\n", "---\r\n"} {
		if rest, ok := bytes.CutPrefix(data, []byte(prefix)); ok {
			return rest, true
		}
	}

	return nil, false
}

func isMarkdownPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return true
	default:
		return false
	}
}
