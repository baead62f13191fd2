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

// Package render produces the file payloads pushed to relay hosts: the
// docker-compose unit and the XRAY config.json. Output is byte-stable
// for identical input because convergence compares sha256 hashes of
// these bytes against the files on the remote host.
package render

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Remote file layout on provisioned hosts.
const (
	RemoteDir       = "/opt/xray-cp"
	ComposePath     = RemoteDir + "/docker-compose.yml"
	ConfigPath      = RemoteDir + "/config.json"
	RemoteLogDir    = "/var/log/xray"
	XRAYImage       = "ghcr.io/xtls/xray-core:latest"
	APIInboundPort  = 10085
	APIInboundAddr  = "127.0.0.1"
	MainInboundAddr = "0.0.0.0"
)

// composeTemplate is a fixed byte string, not a marshalled document:
// the remote hash probe must see identical bytes on every render.
const composeTemplate = `services:
  xray:
    image: ` + XRAYImage + `
    container_name: xray
    restart: unless-stopped
    network_mode: host
    volumes:
      - ` + ConfigPath + `:/etc/xray/config.json:ro
      - ` + RemoteLogDir + `:` + RemoteLogDir + `
    command: ["run", "-c", "/etc/xray/config.json"]
`

// Compose returns the docker-compose.yml payload.
func Compose() []byte {
	return []byte(composeTemplate)
}

// Client is one VLESS client entry. Clients are serialized in the
// order provided; callers sort where determinism matters.
type Client struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Flow  string `json:"flow"`
}

// Input is everything the config renderer needs from an XRAY instance
// plus the enabled user list.
type Input struct {
	ListenPort        int
	RealityPrivateKey string
	ServerName        string
	Dest              string
	ShortIDs          []string
	Clients           []Client
}

// Field order in these structs is the serialization order; changing it
// changes the remote hash of every managed host.

type xrayConfig struct {
	Log       logConfig     `json:"log"`
	Inbounds  []inbound     `json:"inbounds"`
	Outbounds []outbound    `json:"outbounds"`
	Routing   routingConfig `json:"routing"`
	API       apiConfig     `json:"api"`
}

type logConfig struct {
	Access   string `json:"access"`
	Error    string `json:"error"`
	Loglevel string `json:"loglevel"`
}

type inbound struct {
	Listen         string          `json:"listen"`
	Port           int             `json:"port"`
	Protocol       string          `json:"protocol"`
	Tag            string          `json:"tag"`
	Settings       inboundSettings `json:"settings"`
	StreamSettings *streamSettings `json:"streamSettings,omitempty"`
}

type inboundSettings struct {
	Clients    []Client `json:"clients,omitempty"`
	Decryption string   `json:"decryption,omitempty"`
	Address    string   `json:"address,omitempty"`
}

type streamSettings struct {
	Network         string          `json:"network"`
	Security        string          `json:"security"`
	RealitySettings realitySettings `json:"realitySettings"`
}

type realitySettings struct {
	Show        bool     `json:"show"`
	Dest        string   `json:"dest"`
	ServerNames []string `json:"serverNames"`
	PrivateKey  string   `json:"privateKey"`
	ShortIDs    []string `json:"shortIds"`
}

type outbound struct {
	Protocol string `json:"protocol"`
	Tag      string `json:"tag"`
}

type routingConfig struct {
	Rules []routingRule `json:"rules"`
}

type routingRule struct {
	Type        string   `json:"type"`
	InboundTag  []string `json:"inboundTag"`
	OutboundTag string   `json:"outboundTag"`
}

type apiConfig struct {
	Tag      string   `json:"tag"`
	Services []string `json:"services"`
}

// Config renders the XRAY config.json: 2-space-indented JSON with a
// trailing newline.
func Config(in Input) ([]byte, error) {
	if in.ListenPort < 1 || in.ListenPort > 65535 {
		return nil, fmt.Errorf("invalid listen port %d", in.ListenPort)
	}
	if len(in.ShortIDs) == 0 {
		return nil, fmt.Errorf("short ids must not be empty")
	}

	cfg := xrayConfig{
		Log: logConfig{
			Access:   RemoteLogDir + "/access.log",
			Error:    RemoteLogDir + "/error.log",
			Loglevel: "warning",
		},
		Inbounds: []inbound{
			{
				Listen:   MainInboundAddr,
				Port:     in.ListenPort,
				Protocol: "vless",
				Tag:      "vless-in",
				Settings: inboundSettings{
					Clients:    in.Clients,
					Decryption: "none",
				},
				StreamSettings: &streamSettings{
					Network:  "tcp",
					Security: "reality",
					RealitySettings: realitySettings{
						Show:        false,
						Dest:        in.Dest,
						ServerNames: []string{in.ServerName},
						PrivateKey:  in.RealityPrivateKey,
						ShortIDs:    in.ShortIDs,
					},
				},
			},
			{
				Listen:   APIInboundAddr,
				Port:     APIInboundPort,
				Protocol: "dokodemo-door",
				Tag:      "api",
				Settings: inboundSettings{
					Address: APIInboundAddr,
				},
			},
		},
		Outbounds: []outbound{
			{Protocol: "freedom", Tag: "direct"},
		},
		Routing: routingConfig{
			Rules: []routingRule{
				{Type: "field", InboundTag: []string{"api"}, OutboundTag: "api"},
			},
		},
		API: apiConfig{
			Tag:      "api",
			Services: []string{"HandlerService"},
		},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return append(data, '\n'), nil
}

// Hash returns the lowercase hex sha256 of b, the value compared
// against the remote hash probe.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// VisionFlow is the flow assigned to every VLESS client.
const VisionFlow = "xtls-rprx-vision"

// ClientEmail is the stable email tag attached to a VLESS client; the
// live client store addresses users by it.
func ClientEmail(uuid string) string {
	return uuid + "@xray-cp"
}

// ClientsFromUUIDs builds the client list in the given order.
func ClientsFromUUIDs(uuids []string) []Client {
	clients := make([]Client, 0, len(uuids))
	for _, u := range uuids {
		clients = append(clients, Client{ID: u, Email: ClientEmail(u), Flow: VisionFlow})
	}
	return clients
}
