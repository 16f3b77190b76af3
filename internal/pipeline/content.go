package pipeline

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"go/parser"
	"go/token"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"gopkg.in/yaml.v3"
)

// isUnifiedDiff reports whether content carries diff file headers rather
// than a full replacement body.
func isUnifiedDiff(content string) bool {
	if strings.HasPrefix(content, "diff --git ") {
		return true
	}
	sc := bufio.NewScanner(strings.NewReader(content))
	sawOld := false
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "--- "):
			sawOld = true
		case sawOld && strings.HasPrefix(line, "+++ "):
			return true
		default:
			sawOld = false
		}
	}
	return false
}

// parseSingleFileDiff parses a unified diff that must touch exactly one file.
func parseSingleFileDiff(content string) (*gitdiff.File, error) {
	files, _, err := gitdiff.Parse(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse diff: %w", err)
	}
	if len(files) != 1 {
		return nil, fmt.Errorf("diff must touch exactly one file, found %d", len(files))
	}
	if files[0].IsBinary {
		return nil, fmt.Errorf("binary diffs are not supported")
	}
	return files[0], nil
}

// applyDiff applies a single-file diff to original.
func applyDiff(f *gitdiff.File, original []byte) ([]byte, error) {
	var out bytes.Buffer
	if err := gitdiff.Apply(&out, bytes.NewReader(original), f); err != nil {
		return nil, fmt.Errorf("apply diff: %w", err)
	}
	return out.Bytes(), nil
}

// checkFormat validates content for file types with a cheap parser. Unknown
// extensions pass.
func checkFormat(path string, content []byte) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		if _, err := parser.ParseFile(token.NewFileSet(), path, content, parser.AllErrors); err != nil {
			return fmt.Errorf("go syntax: %w", err)
		}
	case ".json":
		if !json.Valid(content) {
			return fmt.Errorf("invalid json")
		}
	case ".yaml", ".yml":
		var v any
		if err := yaml.Unmarshal(content, &v); err != nil {
			return fmt.Errorf("yaml syntax: %w", err)
		}
	case ".toml":
		var v map[string]any
		if _, err := toml.Decode(string(content), &v); err != nil {
			return fmt.Errorf("toml syntax: %w", err)
		}
	}
	return nil
}
