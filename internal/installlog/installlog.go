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

// Package installlog keeps a per-host append-only provisioning log on
// local disk, separate from the per-job log stream in the store. The
// tail reader redacts secret material before returning lines.
package installlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"xraycp/pkg/crypto"
)

const (
	// DefaultTail is the line count returned when the caller does not ask
	// for a specific tail.
	DefaultTail = 200

	// MaxTail caps a single tail read.
	MaxTail = 1000
)

// Sink appends and reads per-host install logs under a base directory,
// one file per host: <dir>/<hostID>.log.
type Sink struct {
	dir string

	mu sync.Mutex
}

// NewSink creates the base directory if needed and returns a Sink.
func NewSink(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create install log dir: %w", err)
	}
	return &Sink{dir: dir}, nil
}

func (s *Sink) path(hostID string) string {
	// Host ids are uuids, but never trust them as path components.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, hostID)
	return filepath.Join(s.dir, safe+".log")
}

// Append writes one line: "<ISO8601> <message>\n". Append failures are
// returned but callers treat the sink as best-effort.
func (s *Sink) Append(hostID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path(hostID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open install log: %w", err)
	}
	defer f.Close()

	line := time.Now().UTC().Format(time.RFC3339) + " " + message + "\n"
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("append install log: %w", err)
	}
	return nil
}

// Tail returns the last n non-empty lines for a host, oldest first,
// with the redactor applied to every returned line. n is clamped to
// [1, MaxTail]; n <= 0 selects DefaultTail. A missing file yields an
// empty slice.
func (s *Sink) Tail(hostID string, n int) ([]string, error) {
	if n <= 0 {
		n = DefaultTail
	}
	if n > MaxTail {
		n = MaxTail
	}

	s.mu.Lock()
	data, err := os.ReadFile(s.path(hostID))
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read install log: %w", err)
	}

	raw := strings.Split(string(data), "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if strings.TrimSpace(l) == "" {
			continue
		}
		lines = append(lines, l)
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	for i, l := range lines {
		lines[i] = crypto.Redact(l)
	}
	return lines, nil
}
