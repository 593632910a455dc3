package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"rtcont/internal/irfile"
)

const textExt = ".txt"

// outputPaths picks one target per input. Without -o, module files are
// written next to their input as <name>.opt.rtm and text goes to stdout.
func outputPaths(inputs []string, output string, emitText bool) ([]string, error) {
	out := make([]string, len(inputs))
	multi := len(inputs) > 1
	dir := ""
	switch {
	case output == "" || output == "-":
		if output == "-" && !emitText {
			return nil, errors.New("module files cannot be written to stdout; use --emit-text")
		}
	case hasDirSuffix(output) || isDir(output):
		dir = output
	case multi:
		return nil, errOutputNeedsDir
	default:
		out[0] = output
		return out, nil
	}

	seen := make(map[string]string, len(inputs))
	for k, in := range inputs {
		name := outputName(in, emitText)
		var target string
		switch {
		case dir != "":
			target = filepath.Join(dir, name)
		case emitText:
			target = ""
		default:
			target = filepath.Join(filepath.Dir(in), name)
		}
		if target != "" {
			if prev, ok := seen[target]; ok {
				return nil, errors.New("inputs " + prev + " and " + in + " map to the same output " + target)
			}
			seen[target] = in
		}
		out[k] = target
	}
	return out, nil
}

func outputName(input string, emitText bool) string {
	base := filepath.Base(input)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if emitText {
		return stem + textExt
	}
	return stem + ".opt" + irfile.Ext
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
