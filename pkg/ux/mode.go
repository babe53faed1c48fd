// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Mode selects how a Printer formats its output.
type Mode string

const (
	// ModeStyled uses colors, icons and boxes.
	ModeStyled Mode = "styled"

	// ModePlain writes tab-separated lines suitable for scripts.
	ModePlain Mode = "plain"

	// ModeJSON writes one JSON document per call.
	ModeJSON Mode = "json"
)

// EnvOutput overrides output detection when set.
const EnvOutput = "ALEUTIANFLOW_OUTPUT"

// ParseMode converts a flag or environment value to a Mode. Unknown
// values yield "".
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "styled", "pretty", "color":
		return ModeStyled
	case "plain", "text", "machine":
		return ModePlain
	case "json":
		return ModeJSON
	default:
		return ""
	}
}

// DetectMode picks the mode for w. An explicit flag wins, then
// ALEUTIANFLOW_OUTPUT, then terminal detection: styled on a terminal,
// plain otherwise.
func DetectMode(w io.Writer, flag string) Mode {
	if m := ParseMode(flag); m != "" {
		return m
	}
	if m := ParseMode(os.Getenv(EnvOutput)); m != "" {
		return m
	}
	if IsTerminal(w) {
		return ModeStyled
	}
	return ModePlain
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
