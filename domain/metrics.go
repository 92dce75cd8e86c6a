package domain

import "time"

// HealthStatus is the monitoring engine's derived health bucket for a node.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthUnknown  HealthStatus = "unknown"
)

// NodeMetrics is one monitoring-engine observation of a node.
type NodeMetrics struct {
	NodeID         int          `json:"node_id"`
	NodeName       string       `json:"node_name"`
	Status         Status       `json:"status"`
	ResponseTimeMs *int64       `json:"response_time_ms,omitempty"`
	HealthStatus   HealthStatus `json:"health_status"`
	LastSeen       time.Time    `json:"last_seen"`
}

// DeriveHealthStatus implements the status/response-time → health table
// from the monitoring engine's tick protocol.
func DeriveHealthStatus(status Status, responseTimeMs *int64) HealthStatus {
	switch status {
	case StatusConnected:
		if responseTimeMs == nil || *responseTimeMs >= 500 {
			return HealthCritical
		}
		if *responseTimeMs < 100 {
			return HealthHealthy
		}
		return HealthWarning
	case StatusConnecting:
		return HealthWarning
	case StatusDisconnected:
		return HealthCritical
	case StatusError:
		return HealthCritical
	case StatusDisabled:
		return HealthUnknown
	default:
		return HealthWarning
	}
}

// SystemMetrics is the fleet-wide aggregate recomputed each monitoring tick.
type SystemMetrics struct {
	TotalNodes      int       `json:"total_nodes"`
	HealthyNodes    int       `json:"healthy_nodes"`
	WarningNodes    int       `json:"warning_nodes"`
	CriticalNodes   int       `json:"critical_nodes"`
	UnknownNodes    int       `json:"unknown_nodes"`
	HealthPercent   float64   `json:"health_percentage"`
	LastUpdated     time.Time `json:"last_updated"`
}

// ComputeSystemMetrics folds a batch of per-node observations into the
// aggregate. HealthPercent is healthy/total * 100, 0 when there are no nodes.
func ComputeSystemMetrics(observations []NodeMetrics, now time.Time) SystemMetrics {
	m := SystemMetrics{LastUpdated: now}
	for _, o := range observations {
		m.TotalNodes++
		switch o.HealthStatus {
		case HealthHealthy:
			m.HealthyNodes++
		case HealthWarning:
			m.WarningNodes++
		case HealthCritical:
			m.CriticalNodes++
		default:
			m.UnknownNodes++
		}
	}
	if m.TotalNodes > 0 {
		m.HealthPercent = float64(m.HealthyNodes) / float64(m.TotalNodes) * 100
	}
	return m
}

// AlertKind distinguishes node-level and system-level alerts.
type AlertKind string

const (
	AlertCritical      AlertKind = "critical"
	AlertWarning       AlertKind = "warning"
	AlertSystemCritical AlertKind = "system_critical"
	AlertSystemWarning  AlertKind = "system_warning"
)

// Alert is a derived-on-demand notice about a node or the fleet as a whole.
type Alert struct {
	Kind           AlertKind `json:"type"`
	NodeID         *int      `json:"node_id,omitempty"`
	NodeName       *string   `json:"node_name,omitempty"`
	Message        string    `json:"message"`
	Status         *Status   `json:"status,omitempty"`
	ResponseTimeMs *int64    `json:"response_time,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// DeriveAlerts walks the current metrics snapshot and produces the set of
// alerts the monitoring engine would report on demand.
func DeriveAlerts(nodeMetrics []NodeMetrics, system SystemMetrics, now time.Time) []Alert {
	var alerts []Alert
	for _, m := range nodeMetrics {
		m := m
		switch m.HealthStatus {
		case HealthCritical:
			alerts = append(alerts, Alert{
				Kind:      AlertCritical,
				NodeID:    &m.NodeID,
				NodeName:  &m.NodeName,
				Message:   "node is in critical health",
				Status:    &m.Status,
				Timestamp: now,
			})
		case HealthWarning:
			alerts = append(alerts, Alert{
				Kind:           AlertWarning,
				NodeID:         &m.NodeID,
				NodeName:       &m.NodeName,
				Message:        "node is in warning health",
				Status:         &m.Status,
				ResponseTimeMs: m.ResponseTimeMs,
				Timestamp:      now,
			})
		}
	}
	if system.HealthPercent < 50 {
		alerts = append(alerts, Alert{Kind: AlertSystemCritical, Message: "fleet health below 50%", Timestamp: now})
	} else if system.HealthPercent < 80 {
		alerts = append(alerts, Alert{Kind: AlertSystemWarning, Message: "fleet health below 80%", Timestamp: now})
	}
	return alerts
}
