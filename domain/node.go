// Package domain holds the entities the control plane operates on: nodes,
// their metrics, tokens, cache entries, queued operations, and discovered
// hosts. Nothing here talks to the network or disk directly.
package domain

import (
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Status is a node's lifecycle state as reported by the panel.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusConnecting   Status = "connecting"
	StatusDisconnected Status = "disconnected"
	StatusDisabled     Status = "disabled"
	StatusError        Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusConnected, StatusConnecting, StatusDisconnected, StatusDisabled, StatusError:
		return true
	default:
		return false
	}
}

// Node is a proxy host managed by the panel.
type Node struct {
	ID                int     `json:"id"`
	Name              string  `json:"name"`
	Address           string  `json:"address"`
	Port              int     `json:"port"`
	APIPort           int     `json:"api_port"`
	UsageCoefficient  float64 `json:"usage_coefficient"`
	Status            Status  `json:"status"`
	XrayVersion       *string `json:"xray_version,omitempty"`
	Message           *string `json:"message,omitempty"`
}

// IsHealthy reports whether the panel currently considers the node connected.
func (n Node) IsHealthy() bool {
	return n.Status == StatusConnected
}

// NodeSettings is the panel's global node configuration.
type NodeSettings struct {
	MinNodeVersion string `json:"min_node_version"`
	Certificate    string `json:"certificate"`
}

// SystemStats is the panel's own dashboard summary, distinct from the
// node-fleet aggregate computed locally from monitoring history
// (SystemMetrics).
type SystemStats struct {
	Version     string  `json:"version"`
	MemTotal    int64   `json:"mem_total"`
	MemUsed     int64   `json:"mem_used"`
	CPUUsage    float64 `json:"cpu_usage"`
	TotalUser   int     `json:"total_user"`
	OnlineUsers int     `json:"online_users"`
}

// NodeCreate is the payload for creating a node. AddAsNewHost matches the
// panel's own create-node contract.
type NodeCreate struct {
	Name             string  `json:"name"`
	Address          string  `json:"address"`
	Port             int     `json:"port"`
	APIPort          int     `json:"api_port"`
	UsageCoefficient float64 `json:"usage_coefficient"`
	AddAsNewHost     bool    `json:"add_as_new_host"`
}

// DefaultNodeCreate returns a NodeCreate with the panel's conventional
// default ports and coefficient populated.
func DefaultNodeCreate(name, address string) NodeCreate {
	return NodeCreate{
		Name:             name,
		Address:          address,
		Port:             62050,
		APIPort:          62051,
		UsageCoefficient: 1.0,
		AddAsNewHost:     true,
	}
}

// Validate rejects the payload on the first invalid field.
func (c NodeCreate) Validate() error {
	if !ValidateNodeName(c.Name) {
		return fmt.Errorf("invalid node name %q", c.Name)
	}
	if !IsValidIP(c.Address) {
		return fmt.Errorf("invalid IP address %q", c.Address)
	}
	if !IsValidPort(c.Port) {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if !IsValidPort(c.APIPort) {
		return fmt.Errorf("invalid api_port %d", c.APIPort)
	}
	if c.UsageCoefficient <= 0 {
		return fmt.Errorf("usage_coefficient must be positive, got %v", c.UsageCoefficient)
	}
	return nil
}

// NodeUpdate carries only the fields being changed; nil means "leave as is".
type NodeUpdate struct {
	Name             *string  `json:"name,omitempty"`
	Address          *string  `json:"address,omitempty"`
	Port             *int     `json:"port,omitempty"`
	APIPort          *int     `json:"api_port,omitempty"`
	UsageCoefficient *float64 `json:"usage_coefficient,omitempty"`
	Status           *Status  `json:"status,omitempty"`
}

// Validate checks only the fields that are present.
func (u NodeUpdate) Validate() error {
	if u.Name != nil && !ValidateNodeName(*u.Name) {
		return fmt.Errorf("invalid node name %q", *u.Name)
	}
	if u.Address != nil && !IsValidIP(*u.Address) {
		return fmt.Errorf("invalid IP address %q", *u.Address)
	}
	if u.Port != nil && !IsValidPort(*u.Port) {
		return fmt.Errorf("invalid port %d", *u.Port)
	}
	if u.APIPort != nil && !IsValidPort(*u.APIPort) {
		return fmt.Errorf("invalid api_port %d", *u.APIPort)
	}
	if u.UsageCoefficient != nil && *u.UsageCoefficient <= 0 {
		return fmt.Errorf("usage_coefficient must be positive, got %v", *u.UsageCoefficient)
	}
	if u.Status != nil && !u.Status.Valid() {
		return fmt.Errorf("invalid status %q", *u.Status)
	}
	return nil
}

// MarshalJSON excludes unset fields, matching the panel's partial-update contract.
func (u NodeUpdate) MarshalJSON() ([]byte, error) {
	type alias NodeUpdate
	return json.Marshal(alias(u))
}

var nodeNamePattern = regexp.MustCompile(`^[a-zA-Z0-9\s\-_]+$`)

// ValidateNodeName enforces length 2..50 and the character class
// alphanumerics, spaces, hyphens, underscores. Spaces are allowed here even
// though display/normalization code elsewhere may replace them; this
// validator is the authoritative rule.
func ValidateNodeName(name string) bool {
	if len(name) < 2 || len(name) > 50 {
		return false
	}
	return nodeNamePattern.MatchString(name)
}

// IsValidIP reports whether address is a valid IPv4 dotted-quad.
func IsValidIP(address string) bool {
	ip := net.ParseIP(strings.TrimSpace(address))
	if ip == nil {
		return false
	}
	return ip.To4() != nil
}

// IsValidPort reports whether port is in the valid TCP port range.
func IsValidPort(port int) bool {
	return port >= 1 && port <= 65535
}
