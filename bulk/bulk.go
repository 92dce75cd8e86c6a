// Package bulk is the bulk orchestrator from spec §4.K: it applies one
// operation (create/update/delete/reconnect/change_status) across a list of
// items, serially and paced, merging an optional template into create
// payloads with item fields taking precedence.
package bulk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nodeplane/fleetcore/domain"
	"github.com/nodeplane/fleetcore/infrastructure/logging"
	"github.com/nodeplane/fleetcore/panel"
	"github.com/nodeplane/fleetcore/queue"
)

// itemPause is the inter-item pause for most operations.
const itemPause = 100 * time.Millisecond

// reconnectPause is the inter-item pause for reconnect, per spec.
const reconnectPause = 500 * time.Millisecond

// Template supplies defaults merged into each create item, with the item's
// own values taking precedence whenever they're set. Tags are not part of
// this: the panel's node model (domain.Node/domain.NodeCreate) has no tag
// concept, so there is nothing downstream to merge them into.
type Template struct {
	Port             *int
	APIPort          *int
	UsageCoefficient *float64
}

// CreateItem is one entry in a bulk create run.
type CreateItem struct {
	Name             string
	Address          string
	Port             int
	APIPort          int
	UsageCoefficient float64
}

// IdentifiedItem is one entry in a bulk update/delete/reconnect/
// change_status run.
type IdentifiedItem struct {
	ID     string
	Update domain.NodeUpdate // only consulted for "update"
	Status domain.Status     // only consulted for "change_status"
}

// ProgressFunc reports (completed, total) as a bulk run executes.
type ProgressFunc func(completed, total int)

// Orchestrator executes bulk operations against the panel, falling back to
// the offline queue for create, update, delete and change_status items whose
// panel call fails. Failed reconnect items are reported without queueing.
type Orchestrator struct {
	panel  *panel.Client
	queue  *queue.Queue
	logger *logging.Logger
}

// New builds an Orchestrator. queue may be nil if offline fallback isn't
// wanted; failed items are then just reported as errors.
func New(p *panel.Client, q *queue.Queue, logger *logging.Logger) *Orchestrator {
	return &Orchestrator{panel: p, queue: q, logger: logger}
}

// BulkCreate runs a create operation over items, merging template into each
// (item fields take precedence over template fields).
func (o *Orchestrator) BulkCreate(ctx context.Context, items []CreateItem, template *Template, progress ProgressFunc) domain.BulkOperationResult {
	result := o.newResult(domain.BulkOpCreate, len(items))

	o.run(ctx, len(items), itemPause, progress, func(i int) (key string, res domain.BulkItemResult) {
		item := mergeTemplate(items[i], template)
		key = fmt.Sprintf("%d", i)

		create := domain.NodeCreate{
			Name:             item.Name,
			Address:          item.Address,
			Port:             item.Port,
			APIPort:          item.APIPort,
			UsageCoefficient: item.UsageCoefficient,
			AddAsNewHost:     true,
		}

		node, err := o.panel.CreateNode(ctx, create)
		if err == nil {
			id := fmt.Sprintf("%d", node.ID)
			name := node.Name
			return key, domain.BulkItemResult{Status: "success", ID: &id, Name: &name}
		}

		if o.enqueueFallback(ctx, "node", domain.OpCreate, create, nil) {
			return key, domain.BulkItemResult{Status: "queued", Name: &item.Name}
		}

		msg := err.Error()
		return key, domain.BulkItemResult{Status: "failed", Name: &item.Name, Error: &msg}
	}, &result)

	result.Finalize()
	return result
}

// BulkUpdate runs an update operation over items.
func (o *Orchestrator) BulkUpdate(ctx context.Context, items []IdentifiedItem, progress ProgressFunc) domain.BulkOperationResult {
	result := o.newResult(domain.BulkOpUpdate, len(items))

	o.run(ctx, len(items), itemPause, progress, func(i int) (string, domain.BulkItemResult) {
		item := items[i]
		node, err := o.panel.UpdateNode(ctx, item.ID, item.Update)
		if err == nil {
			id := fmt.Sprintf("%d", node.ID)
			name := node.Name
			return item.ID, domain.BulkItemResult{Status: "success", ID: &id, Name: &name}
		}
		if o.enqueueFallback(ctx, "node", domain.OpUpdate, item.Update, &item.ID) {
			return item.ID, domain.BulkItemResult{Status: "queued", ID: &item.ID}
		}
		msg := err.Error()
		return item.ID, domain.BulkItemResult{Status: "failed", ID: &item.ID, Error: &msg}
	}, &result)

	result.Finalize()
	return result
}

// BulkDelete runs a delete operation over items.
func (o *Orchestrator) BulkDelete(ctx context.Context, ids []string, progress ProgressFunc) domain.BulkOperationResult {
	result := o.newResult(domain.BulkOpDelete, len(ids))

	o.run(ctx, len(ids), itemPause, progress, func(i int) (string, domain.BulkItemResult) {
		id := ids[i]
		err := o.panel.DeleteNode(ctx, id)
		if err == nil {
			return id, domain.BulkItemResult{Status: "success", ID: &id}
		}
		if o.enqueueFallback(ctx, "node", domain.OpDelete, nil, &id) {
			return id, domain.BulkItemResult{Status: "queued", ID: &id}
		}
		msg := err.Error()
		return id, domain.BulkItemResult{Status: "failed", ID: &id, Error: &msg}
	}, &result)

	result.Finalize()
	return result
}

// BulkReconnect runs a reconnect operation over items, paced at 500ms per
// spec (reconnect is heavier on the panel than the other operations).
func (o *Orchestrator) BulkReconnect(ctx context.Context, ids []string, progress ProgressFunc) domain.BulkOperationResult {
	result := o.newResult(domain.BulkOpReconnect, len(ids))

	o.run(ctx, len(ids), reconnectPause, progress, func(i int) (string, domain.BulkItemResult) {
		id := ids[i]
		node, err := o.panel.ReconnectNode(ctx, id)
		if err == nil {
			name := node.Name
			return id, domain.BulkItemResult{Status: "success", ID: &id, Name: &name}
		}
		msg := err.Error()
		return id, domain.BulkItemResult{Status: "failed", ID: &id, Error: &msg}
	}, &result)

	result.Finalize()
	return result
}

// BulkChangeStatus runs a change_status operation over items.
func (o *Orchestrator) BulkChangeStatus(ctx context.Context, items []IdentifiedItem, progress ProgressFunc) domain.BulkOperationResult {
	result := o.newResult(domain.BulkOpChangeStatus, len(items))

	o.run(ctx, len(items), itemPause, progress, func(i int) (string, domain.BulkItemResult) {
		item := items[i]
		status := item.Status
		update := domain.NodeUpdate{Status: &status}
		node, err := o.panel.UpdateNode(ctx, item.ID, update)
		if err == nil {
			id := fmt.Sprintf("%d", node.ID)
			name := node.Name
			return item.ID, domain.BulkItemResult{Status: "success", ID: &id, Name: &name}
		}
		if o.enqueueFallback(ctx, "node", domain.OpUpdate, update, &item.ID) {
			return item.ID, domain.BulkItemResult{Status: "queued", ID: &item.ID}
		}
		msg := err.Error()
		return item.ID, domain.BulkItemResult{Status: "failed", ID: &item.ID, Error: &msg}
	}, &result)

	result.Finalize()
	return result
}

func (o *Orchestrator) newResult(opType domain.BulkOpType, total int) domain.BulkOperationResult {
	return domain.BulkOperationResult{
		OperationID:   uuid.NewString(),
		OperationType: opType,
		TotalItems:    total,
		Status:        domain.BulkRunning,
		StartTime:     time.Now(),
		Details:       make(map[string]domain.BulkItemResult, total),
	}
}

// run executes fn serially over [0, total) with pause between items,
// recording each result into result.Details and incrementing the
// success/failure counters. A caller-cancelled context aborts the
// remaining items, each marked failed with the context's error.
func (o *Orchestrator) run(ctx context.Context, total int, pause time.Duration, progress ProgressFunc, fn func(i int) (string, domain.BulkItemResult), result *domain.BulkOperationResult) {
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			key := fmt.Sprintf("%d", i)
			msg := err.Error()
			result.Details[key] = domain.BulkItemResult{Status: "failed", Error: &msg}
			result.FailedItems++
			result.Errors = append(result.Errors, msg)
			continue
		}

		key, itemResult := fn(i)
		result.Details[key] = itemResult
		switch itemResult.Status {
		case "success", "queued":
			result.SuccessfulItems++
		default:
			result.FailedItems++
			if itemResult.Error != nil {
				result.Errors = append(result.Errors, *itemResult.Error)
			}
		}

		if progress != nil {
			progress(i+1, total)
		}

		if i < total-1 {
			select {
			case <-ctx.Done():
			case <-time.After(pause):
			}
		}
	}
	result.EndTime = time.Now()
}

// enqueueFallback persists op onto the offline queue when the panel call
// failed, returning true if it was successfully queued. A nil queue (or an
// enqueue failure) reports false so the caller treats the item as failed.
func (o *Orchestrator) enqueueFallback(ctx context.Context, resourceType string, opType domain.OpType, payload interface{}, resourceID *string) bool {
	if o.queue == nil {
		return false
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return false
	}
	if _, err := o.queue.QueueOperation(ctx, opType, resourceType, data, resourceID); err != nil {
		if o.logger != nil {
			o.logger.Warn(ctx, "failed to enqueue bulk item for offline replay", map[string]interface{}{"error": err.Error()})
		}
		return false
	}
	return true
}

func marshalPayload(payload interface{}) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(payload)
}

// mergeTemplate fills zero-valued item fields from template; item values
// always take precedence when non-zero.
func mergeTemplate(item CreateItem, template *Template) CreateItem {
	if template == nil {
		return item
	}
	if item.Port == 0 && template.Port != nil {
		item.Port = *template.Port
	}
	if item.APIPort == 0 && template.APIPort != nil {
		item.APIPort = *template.APIPort
	}
	if item.UsageCoefficient == 0 && template.UsageCoefficient != nil {
		item.UsageCoefficient = *template.UsageCoefficient
	}
	return item
}
