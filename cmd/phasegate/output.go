package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// emit writes v as JSON when --json is set, otherwise calls plain.
func emit(w io.Writer, opts *globalOptions, v any, plain func(io.Writer)) error {
	if opts.jsonOutput {
		return writeJSON(w, v)
	}
	plain(w)
	return nil
}

// readPayload accepts inline JSON, @file, or - for stdin.
func readPayload(arg string, stdin io.Reader) (json.RawMessage, error) {
	switch {
	case arg == "":
		return nil, nil
	case arg == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload from stdin: %w", err)
		}
		return json.RawMessage(strings.TrimSpace(string(data))), nil
	case strings.HasPrefix(arg, "@"):
		data, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		return json.RawMessage(data), nil
	default:
		return json.RawMessage(arg), nil
	}
}
