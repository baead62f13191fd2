// Xraycp is a control plane for XRAY (VLESS+REALITY) relays.
// Copyright (C) 2026 Xraycp Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package sshexec

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// ShellQuote wraps s in single quotes, escaping embedded single quotes
// so the result is safe to interpolate into a shell command line.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// BuildCommand wraps a script for remote execution. Commands run under
// bash -lc so PATH additions from login shells (docker, compose) are
// visible; non-root users get a sudo prefix.
func BuildCommand(script, user string) string {
	cmd := "bash -lc " + ShellQuote(script)
	if user != "" && user != "root" {
		cmd = "sudo " + cmd
	}
	return cmd
}

// BuildUpload produces a script that writes content to path via a
// quoted heredoc and sets the file mode in the same session, so the
// file never exists with default permissions. The delimiter carries
// random hex to avoid colliding with the payload.
func BuildUpload(path, content, mode string) (string, error) {
	delim, err := heredocDelimiter(content)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	script := fmt.Sprintf("cat > %s <<'%s'\n%s%s\nchmod %s %s",
		ShellQuote(path), delim, content, delim, mode, ShellQuote(path))
	return script, nil
}

func heredocDelimiter(content string) (string, error) {
	for i := 0; i < 8; i++ {
		buf := make([]byte, 6)
		if _, err := io.ReadFull(rand.Reader, buf); err != nil {
			return "", fmt.Errorf("failed to generate heredoc delimiter: %w", err)
		}
		delim := "XRAY_CP_" + hex.EncodeToString(buf)
		if !strings.Contains(content, delim) {
			return delim, nil
		}
	}
	return "", fmt.Errorf("failed to pick heredoc delimiter")
}
