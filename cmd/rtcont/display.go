package main

import (
	"fmt"
	"os"
	"slices"
	"strings"
)

// progressDisplay is how opt reports progress while files are lowered.
type progressDisplay uint8

const (
	displayAuto progressDisplay = iota
	displayLive
	displayPlain
)

var displayNames = map[string]progressDisplay{
	"":      displayAuto,
	"auto":  displayAuto,
	"on":    displayLive,
	"live":  displayLive,
	"off":   displayPlain,
	"plain": displayPlain,
}

func parseDisplay(value string) (progressDisplay, error) {
	d, ok := displayNames[strings.ToLower(strings.TrimSpace(value))]
	if !ok {
		return displayAuto, fmt.Errorf("--ui: unknown display %q (want auto|on|off)", value)
	}
	return d, nil
}

// live reports whether lowering files into targets renders the live view.
// The view owns stdout, so a run writing a module to stdout stays plain.
func (d progressDisplay) live(files int, targets []string, quiet bool) bool {
	if quiet || slices.Contains(targets, "") || slices.Contains(targets, "-") {
		return false
	}
	switch d {
	case displayLive:
		return true
	case displayPlain:
		return false
	}
	return files > 1 && isTerminal(os.Stdout)
}
