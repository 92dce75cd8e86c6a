// Package panel is the typed client for the upstream admin panel: node
// CRUD/lifecycle, usage reporting, and settings lookup, all issued through
// the resilient HTTP core.
package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nodeplane/fleetcore/domain"
	"github.com/nodeplane/fleetcore/httpcore"
	"github.com/nodeplane/fleetcore/infrastructure/errors"
	"github.com/nodeplane/fleetcore/tokenstore"
)

// Credentials authenticates against POST /api/admin/token.
type Credentials struct {
	Username string
	Password string
}

// Client is the typed panel API surface described in spec §4.F/§6.
type Client struct {
	core  *httpcore.Core
	creds Credentials
}

// NewClient wires cfg into a resilient core and returns a Client whose
// LoginFunc posts creds to /api/admin/token.
func NewClient(cfg httpcore.Config, creds Credentials, tokens *tokenstore.Store) *Client {
	c := &Client{creds: creds}
	c.core = httpcore.New(cfg, tokens, c.login)
	return c
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func (c *Client) login(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{
		"username": []string{c.creds.Username},
		"password": []string{c.creds.Password},
	}
	headers := http.Header{"Content-Type": []string{"application/x-www-form-urlencoded"}}

	status, body, err := c.core.RawRequest(ctx, http.MethodPost, "/api/admin/token", headers, nil, []byte(form.Encode()))
	if err != nil {
		return "", 0, errors.ConnectionError("panel login request failed", err)
	}
	if status != http.StatusOK {
		return "", 0, errors.AuthenticationError(fmt.Sprintf("panel login rejected with status %d", status))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, errors.AuthenticationError("panel login response was not valid JSON")
	}
	if tr.AccessToken == "" {
		return "", 0, errors.AuthenticationError("panel login response carried no access_token")
	}
	return tr.AccessToken, tokenstore.DefaultRefreshThreshold, nil
}

// ListNodes returns every node the panel currently knows about.
func (c *Client) ListNodes(ctx context.Context) ([]domain.Node, error) {
	body, err := c.core.Do(ctx, http.MethodGet, "/api/nodes", nil, nil, nil)
	if err != nil {
		return nil, err
	}
	var nodes []domain.Node
	if err := json.Unmarshal(body, &nodes); err != nil {
		return nil, errors.NodeError("failed to decode node list", err)
	}
	return nodes, nil
}

// GetNode fetches a single node by ID.
func (c *Client) GetNode(ctx context.Context, id string) (domain.Node, error) {
	body, err := c.core.Do(ctx, http.MethodGet, "/api/nodes/"+url.PathEscape(id), nil, nil, nil)
	if err != nil {
		return domain.Node{}, remapNotFound(err, id)
	}
	var node domain.Node
	if err := json.Unmarshal(body, &node); err != nil {
		return domain.Node{}, errors.NodeError("failed to decode node", err)
	}
	return node, nil
}

// CreateNode rejects the request client-side if a node with the same name
// already exists in the panel's current listing, then issues the create.
func (c *Client) CreateNode(ctx context.Context, create domain.NodeCreate) (domain.Node, error) {
	if err := create.Validate(); err != nil {
		return domain.Node{}, err
	}

	existing, err := c.ListNodes(ctx)
	if err != nil {
		return domain.Node{}, err
	}
	for _, n := range existing {
		if strings.EqualFold(n.Name, create.Name) {
			return domain.Node{}, errors.NodeAlreadyExistsError(create.Name)
		}
	}

	payload, err := json.Marshal(create)
	if err != nil {
		return domain.Node{}, errors.NodeError("failed to encode node create payload", err)
	}

	body, err := c.core.Do(ctx, http.MethodPost, "/api/nodes", nil, nil, payload)
	if err != nil {
		return domain.Node{}, err
	}
	var node domain.Node
	if err := json.Unmarshal(body, &node); err != nil {
		return domain.Node{}, errors.NodeError("failed to decode created node", err)
	}
	return node, nil
}

// UpdateNode applies a partial update to an existing node.
func (c *Client) UpdateNode(ctx context.Context, id string, update domain.NodeUpdate) (domain.Node, error) {
	if err := update.Validate(); err != nil {
		return domain.Node{}, err
	}

	payload, err := json.Marshal(update)
	if err != nil {
		return domain.Node{}, errors.NodeError("failed to encode node update payload", err)
	}

	body, err := c.core.Do(ctx, http.MethodPut, "/api/nodes/"+url.PathEscape(id), nil, nil, payload)
	if err != nil {
		return domain.Node{}, remapNotFound(err, id)
	}
	var node domain.Node
	if err := json.Unmarshal(body, &node); err != nil {
		return domain.Node{}, errors.NodeError("failed to decode updated node", err)
	}
	return node, nil
}

// DeleteNode removes a node from the panel.
func (c *Client) DeleteNode(ctx context.Context, id string) error {
	_, err := c.core.Do(ctx, http.MethodDelete, "/api/nodes/"+url.PathEscape(id), nil, nil, nil)
	if err != nil {
		return remapNotFound(err, id)
	}
	return nil
}

// ReconnectNode asks the panel to re-establish its connection to a node.
func (c *Client) ReconnectNode(ctx context.Context, id string) (domain.Node, error) {
	body, err := c.core.Do(ctx, http.MethodPost, "/api/nodes/"+url.PathEscape(id)+"/reconnect", nil, nil, nil)
	if err != nil {
		return domain.Node{}, remapNotFound(err, id)
	}
	var node domain.Node
	if err := json.Unmarshal(body, &node); err != nil {
		return domain.Node{}, errors.NodeError("failed to decode reconnected node", err)
	}
	return node, nil
}

// GetNodesUsage fetches traffic usage for the given window. The panel's
// response shape is not entirely stable across versions — sometimes a bare
// array, sometimes {"usages": [...]} — so this decodes tolerantly via gjson
// rather than a single fixed struct tag shape.
func (c *Client) GetNodesUsage(ctx context.Context, start, end time.Time) ([]domain.NodeUsage, error) {
	params := url.Values{
		"start": []string{start.UTC().Format("2006-01-02T15:04:05")},
		"end":   []string{end.UTC().Format("2006-01-02T15:04:05")},
	}
	body, err := c.core.Do(ctx, http.MethodGet, "/api/nodes/usage", nil, params, nil)
	if err != nil {
		return nil, err
	}

	root := gjson.ParseBytes(body)
	array := root
	if root.IsObject() {
		array = root.Get("usages")
	}
	if !array.IsArray() {
		return nil, errors.NodeError("panel usage response was neither an array nor {usages: [...]}", nil)
	}

	var usages []domain.NodeUsage
	for _, item := range array.Array() {
		usages = append(usages, domain.NodeUsage{
			NodeID:   int(item.Get("node_id").Int()),
			NodeName: item.Get("node_name").String(),
			Uplink:   item.Get("uplink").Int(),
			Downlink: item.Get("downlink").Int(),
		})
	}
	return usages, nil
}

// GetNodeSettings fetches the panel's current node provisioning settings
// (minimum accepted xray version and the TLS certificate nodes should
// trust).
func (c *Client) GetNodeSettings(ctx context.Context) (domain.NodeSettings, error) {
	body, err := c.core.Do(ctx, http.MethodGet, "/api/node/settings", nil, nil, nil)
	if err != nil {
		return domain.NodeSettings{}, err
	}
	var settings domain.NodeSettings
	if err := json.Unmarshal(body, &settings); err != nil {
		return domain.NodeSettings{}, errors.NodeError("failed to decode node settings", err)
	}
	return settings, nil
}

// GetSystemStats fetches the panel's aggregate fleet statistics. This is a
// supplemental endpoint (not in the distilled spec's table) offered by
// panels that expose a dashboard summary view.
func (c *Client) GetSystemStats(ctx context.Context) (domain.SystemStats, error) {
	body, err := c.core.Do(ctx, http.MethodGet, "/api/system/stats", nil, nil, nil)
	if err != nil {
		return domain.SystemStats{}, err
	}
	var stats domain.SystemStats
	if err := json.Unmarshal(body, &stats); err != nil {
		return domain.SystemStats{}, errors.NodeError("failed to decode system stats", err)
	}
	return stats, nil
}

// FindByName returns the first node whose name matches exactly (case
// insensitive), and false if none does.
func FindByName(nodes []domain.Node, name string) (domain.Node, bool) {
	for _, n := range nodes {
		if strings.EqualFold(n.Name, name) {
			return n, true
		}
	}
	return domain.Node{}, false
}

// FindByAddress returns the first node whose address matches exactly.
func FindByAddress(nodes []domain.Node, address string) (domain.Node, bool) {
	for _, n := range nodes {
		if n.Address == address {
			return n, true
		}
	}
	return domain.Node{}, false
}

// StatusSummary counts nodes per status.
func StatusSummary(nodes []domain.Node) map[domain.Status]int {
	summary := make(map[domain.Status]int, len(nodes))
	for _, n := range nodes {
		summary[n.Status]++
	}
	return summary
}

// HealthyNodes returns every node whose status is connected.
func HealthyNodes(nodes []domain.Node) []domain.Node {
	var out []domain.Node
	for _, n := range nodes {
		if n.Status == domain.StatusConnected {
			out = append(out, n)
		}
	}
	return out
}

// UnhealthyNodes returns every node whose status is not connected.
func UnhealthyNodes(nodes []domain.Node) []domain.Node {
	var out []domain.Node
	for _, n := range nodes {
		if n.Status != domain.StatusConnected {
			out = append(out, n)
		}
	}
	return out
}

func remapNotFound(err error, id string) error {
	if serviceErr := errors.GetServiceError(err); serviceErr != nil && serviceErr.Code == errors.ErrCodeNotFound {
		return errors.NodeNotFoundError(id)
	}
	return err
}
