package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nodeplane/fleetcore/bulk"
	"github.com/nodeplane/fleetcore/domain"
	"github.com/nodeplane/fleetcore/infrastructure/middleware"
)

var bulkCmd = &cobra.Command{
	Use:   "bulk",
	Short: "Run a bulk operation against the panel from a JSON request file",
	RunE:  runBulk,
}

func init() {
	bulkCmd.Flags().String("file", "", "path to a JSON bulk request file (required)")
	bulkCmd.MarkFlagRequired("file")
}

// bulkRequest is the on-disk shape of a bulk operation request: only the
// fields relevant to Operation are consulted. bulk.CreateItem/bulk.Template
// carry no JSON tags of their own (they're in-process value objects, not
// wire types), so the request uses its own tagged shapes and converts.
type bulkRequest struct {
	Operation domain.BulkOpType    `json:"operation"`
	IDs       []string             `json:"ids,omitempty"`
	Items     []createItemJSON     `json:"items,omitempty"`
	Updates   []identifiedItemJSON `json:"updates,omitempty"`
	Template  *templateJSON        `json:"template,omitempty"`
}

type createItemJSON struct {
	Name             string  `json:"name"`
	Address          string  `json:"address"`
	Port             int     `json:"port"`
	APIPort          int     `json:"api_port"`
	UsageCoefficient float64 `json:"usage_coefficient"`
}

func (c createItemJSON) toCreateItem() bulk.CreateItem {
	return bulk.CreateItem{
		Name:             c.Name,
		Address:          c.Address,
		Port:             c.Port,
		APIPort:          c.APIPort,
		UsageCoefficient: c.UsageCoefficient,
	}
}

type templateJSON struct {
	Port             *int     `json:"port,omitempty"`
	APIPort          *int     `json:"api_port,omitempty"`
	UsageCoefficient *float64 `json:"usage_coefficient,omitempty"`
}

func (t templateJSON) toTemplate() *bulk.Template {
	return &bulk.Template{
		Port:             t.Port,
		APIPort:          t.APIPort,
		UsageCoefficient: t.UsageCoefficient,
	}
}

type identifiedItemJSON struct {
	ID     string            `json:"id"`
	Update domain.NodeUpdate `json:"update,omitempty"`
	Status domain.Status     `json:"status,omitempty"`
}

func runBulk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger("fleetcored-bulk", cfg)
	if err != nil {
		return err
	}

	path, _ := cmd.Flags().GetString("file")
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("bulk: read request file: %w", err)
	}
	var req bulkRequest
	if err := middleware.ValidateJSON(bytes.NewReader(raw), int64(len(raw))+1, &req); err != nil {
		return fmt.Errorf("bulk: parse request file: %w", err)
	}

	secretsDir := resolveSecretsDir(cmd)
	q, err := newQueue(secretsDir, logger)
	if err != nil {
		return err
	}
	defer q.Close()

	panelClient := newPanelClient(cfg, logger)
	orchestrator := bulk.New(panelClient, q, logger)

	progress := func(completed, total int) {
		fmt.Fprintf(os.Stderr, "progress: %d/%d\n", completed, total)
	}

	items := make([]bulk.IdentifiedItem, len(req.Updates))
	for i, u := range req.Updates {
		items[i] = bulk.IdentifiedItem{ID: u.ID, Update: u.Update, Status: u.Status}
	}
	createItems := make([]bulk.CreateItem, len(req.Items))
	for i, c := range req.Items {
		createItems[i] = c.toCreateItem()
	}
	var template *bulk.Template
	if req.Template != nil {
		template = req.Template.toTemplate()
	}

	ctx := context.Background()
	var result domain.BulkOperationResult
	switch req.Operation {
	case domain.BulkOpCreate:
		result = orchestrator.BulkCreate(ctx, createItems, template, progress)
	case domain.BulkOpUpdate:
		result = orchestrator.BulkUpdate(ctx, items, progress)
	case domain.BulkOpDelete:
		result = orchestrator.BulkDelete(ctx, req.IDs, progress)
	case domain.BulkOpReconnect:
		result = orchestrator.BulkReconnect(ctx, req.IDs, progress)
	case domain.BulkOpChangeStatus:
		result = orchestrator.BulkChangeStatus(ctx, items, progress)
	default:
		return fmt.Errorf("bulk: unknown operation %q", req.Operation)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
