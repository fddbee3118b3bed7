package depgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	yamlv3 "gopkg.in/yaml.v3"
)

// maxParallelParse bounds concurrent index file parsing.
const maxParallelParse = 8

// indexDoc is the wrapped index form: {entries: [...]}.
type indexDoc struct {
	Entries []Entry `json:"entries" yaml:"entries"`
}

func isIndexFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return !strings.HasPrefix(filepath.Base(name), ".")
	}
	return false
}

// ExpandPaths replaces each directory argument by the index files directly
// inside it (sorted by name). File arguments are kept in order.
func ExpandPaths(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("index path %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("read index dir %s: %w", p, err)
		}
		var inDir []string
		for _, e := range entries {
			if !e.IsDir() && isIndexFile(e.Name()) {
				inDir = append(inDir, filepath.Join(p, e.Name()))
			}
		}
		sort.Strings(inDir)
		files = append(files, inDir...)
	}
	return files, nil
}

// LoadIndex reads every index file under paths and concatenates the entries
// in argument order, so later files win when the graph merges repeated ids.
func LoadIndex(ctx context.Context, paths ...string) ([]Entry, error) {
	files, err := ExpandPaths(paths)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no index files found in %s", strings.Join(paths, ", "))
	}

	parsed := make([][]Entry, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelParse)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			entries, err := ParseIndexFile(f)
			if err != nil {
				return err
			}
			parsed[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Entry
	for _, entries := range parsed {
		all = append(all, entries...)
	}
	return all, nil
}

func ParseIndexFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", path, err)
	}
	var entries []Entry
	if strings.EqualFold(filepath.Ext(path), ".json") {
		entries, err = parseJSONIndex(data)
	} else {
		entries, err = parseYAMLIndex(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parse index %s: %w", path, err)
	}
	for i, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("parse index %s: entry %d: id is required", path, i)
		}
	}
	return entries, nil
}

func parseJSONIndex(data []byte) ([]Entry, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var entries []Entry
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, err
		}
		return entries, nil
	}
	var doc indexDoc
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, err
	}
	return doc.Entries, nil
}

func parseYAMLIndex(data []byte) ([]Entry, error) {
	var root yamlv3.Node
	if err := yamlv3.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return nil, nil
	}
	body := root.Content[0]
	switch body.Kind {
	case yamlv3.SequenceNode:
		var entries []Entry
		if err := body.Decode(&entries); err != nil {
			return nil, err
		}
		return entries, nil
	case yamlv3.MappingNode:
		var doc indexDoc
		if err := body.Decode(&doc); err != nil {
			return nil, err
		}
		return doc.Entries, nil
	default:
		return nil, fmt.Errorf("index must be a list or a mapping with an entries key (line %d)", body.Line)
	}
}

// LoadGraph loads the index under paths and builds the graph.
func LoadGraph(ctx context.Context, paths ...string) (*Graph, error) {
	entries, err := LoadIndex(ctx, paths...)
	if err != nil {
		return nil, err
	}
	return Build(entries)
}
