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

package workflow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"xraycp/internal/render"
	"xraycp/internal/store"
	"xraycp/pkg/relay"
)

const keygenLabel = "Generate REALITY keypair"

// keygenCommand produces the x25519 pair inside a throwaway container
// so the control plane never needs a local xray binary.
const keygenCommand = "docker run --rm " + render.XRAYImage + " xray x25519"

// ensureRuntime returns the host's XRAY instance, generating key
// material only when none exists. Reuse is the invariant that makes
// install idempotent: an existing keypair and short id set is never
// rotated here.
func (r *Runner) ensureRuntime(ctx context.Context, jctx JobContext, host *relay.Host) (*relay.XRAYInstance, error) {
	existing, err := r.store.LatestInstanceByServer(ctx, host.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	res, err := r.executeChecked(ctx, jctx, host, keygenLabel, keygenCommand, true)
	if err != nil {
		return nil, err
	}

	priv, pub, err := parseKeypair(res.Stdout, res.Stderr)
	if err != nil {
		return nil, err
	}

	shortIDs, err := generateShortIDs(4)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &relay.XRAYInstance{
		ID:                uuid.NewString(),
		ServerID:          host.ID,
		ListenPort:        r.defaults.ListenPort,
		RealityPrivateKey: priv,
		RealityPublicKey:  pub,
		ServerName:        r.defaults.ServerName,
		Dest:              r.defaults.Dest,
		Fingerprint:       r.defaults.Fingerprint,
		ShortIDs:          shortIDs,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// parseKeypair extracts the REALITY pair from xray x25519 output.
// Different builds print to stdout or stderr, so both are scanned.
func parseKeypair(stdout, stderr string) (priv, pub string, err error) {
	for _, line := range strings.Split(stdout+"\n"+stderr, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "Private key:"); ok {
			priv = strings.TrimSpace(v)
		}
		if v, ok := strings.CutPrefix(line, "Public key:"); ok {
			pub = strings.TrimSpace(v)
		}
	}
	if priv == "" || pub == "" {
		return "", "", relay.NewAppError(relay.ErrCommandFailed, "Failed to parse REALITY keypair output")
	}
	return priv, pub, nil
}

// generateShortIDs mints n distinct short ids: each a prefix of a
// hexed random 8-byte value, length uniform in 8 to 16 hex characters.
func generateShortIDs(n int) ([]string, error) {
	seen := make(map[string]bool, n)
	out := make([]string, 0, n)
	for len(out) < n {
		buf := make([]byte, 8)
		if _, err := io.ReadFull(rand.Reader, buf); err != nil {
			return nil, fmt.Errorf("failed to generate short id: %w", err)
		}
		full := hex.EncodeToString(buf)

		span, err := rand.Int(rand.Reader, big.NewInt(9)) // 8..16 inclusive
		if err != nil {
			return nil, fmt.Errorf("failed to pick short id length: %w", err)
		}
		id := full[:8+span.Int64()]
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

// renderExpected produces the compose and config payloads for a host
// with the current enabled users sorted by uuid. The sort keeps the
// expected hash stable across render sites.
func (r *Runner) renderExpected(ctx context.Context, host *relay.Host, inst *relay.XRAYInstance) (compose, config []byte, err error) {
	users, err := r.store.ListEnabledUsers(ctx, host.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list enabled users for %s: %w", host.ID, err)
	}
	uuids := make([]string, 0, len(users))
	for _, u := range users {
		uuids = append(uuids, u.UUID)
	}

	config, err = render.Config(render.Input{
		ListenPort:        inst.ListenPort,
		RealityPrivateKey: inst.RealityPrivateKey,
		ServerName:        inst.ServerName,
		Dest:              inst.Dest,
		ShortIDs:          inst.ShortIDs,
		Clients:           render.ClientsFromUUIDs(uuids),
	})
	if err != nil {
		return nil, nil, err
	}
	return render.Compose(), config, nil
}
