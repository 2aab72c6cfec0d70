// Package model defines the canonical entities shared across the ingestion
// core: connector records, raw events, alerts, threat intel and agents.
package model

import (
	"encoding/json"
	"time"
)

// ConnectorType identifies the ingestion strategy of a connector.
type ConnectorType string

const (
	ConnectorSyslog  ConnectorType = "syslog"
	ConnectorAPI     ConnectorType = "api"
	ConnectorWebhook ConnectorType = "webhook"
	ConnectorFile    ConnectorType = "file"
	ConnectorAgent   ConnectorType = "agent"
)

// Valid reports whether t is one of the known connector types.
func (t ConnectorType) Valid() bool {
	switch t {
	case ConnectorSyslog, ConnectorAPI, ConnectorWebhook, ConnectorFile, ConnectorAgent:
		return true
	}
	return false
}

// ConnectorStatus is the persisted status of a connector.
type ConnectorStatus string

const (
	StatusActive   ConnectorStatus = "active"
	StatusPaused   ConnectorStatus = "paused"
	StatusDisabled ConnectorStatus = "disabled"
	StatusError    ConnectorStatus = "error"
	StatusWarning  ConnectorStatus = "warning"
)

// EventSeverity is the pre-normalization severity bucket of a raw event.
type EventSeverity string

const (
	EventInfo     EventSeverity = "info"
	EventWarn     EventSeverity = "warn"
	EventError    EventSeverity = "error"
	EventCritical EventSeverity = "critical"
)

// AlertSeverity is the canonical post-normalization severity scale.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// AlertStatus tracks the analyst-facing lifecycle of an alert.
type AlertStatus string

const (
	AlertNew    AlertStatus = "new"
	AlertAck    AlertStatus = "ack"
	AlertClosed AlertStatus = "closed"
)

// IntelType classifies a threat-intel record.
type IntelType string

const (
	IntelMalware    IntelType = "malware"
	IntelAPT        IntelType = "apt"
	IntelRansomware IntelType = "ransomware"
	IntelPhishing   IntelType = "phishing"
	IntelIOC        IntelType = "ioc"
	IntelGeneral    IntelType = "general"
)

// Relevance grades how applicable a threat-intel record is.
type Relevance string

const (
	RelevanceLow    Relevance = "low"
	RelevanceMedium Relevance = "medium"
	RelevanceHigh   Relevance = "high"
)

// ConnectorRecord is the persisted configuration row for one connector.
// The integer id is authoritative; (organization, name) is only the display
// key. status=disabled implies the connector must not be running.
type ConnectorRecord struct {
	ID                       int64           `json:"id"`
	OrganizationID           int64           `json:"organizationId"`
	Name                     string          `json:"name"`
	Type                     ConnectorType   `json:"type"`
	Vendor                   string          `json:"vendor"`
	Configuration            json.RawMessage `json:"configuration"`
	Status                   ConnectorStatus `json:"status"`
	IsActive                 bool            `json:"isActive"`
	EventsPerMin             float64         `json:"eventsPerMin"`
	ErrorMessage             string          `json:"errorMessage,omitempty"`
	LastData                 *time.Time      `json:"lastData,omitempty"`
	LastSuccessfulConnection *time.Time      `json:"lastSuccessfulConnection,omitempty"`
	CreatedAt                time.Time       `json:"createdAt"`
	UpdatedAt                time.Time       `json:"updatedAt"`
}

// RawEvent is the untyped record a connector emits before normalization.
// Once persisted it is immutable input to the normalizer.
type RawEvent struct {
	ID          string         `json:"id"`
	ConnectorID int64          `json:"connectorId"`
	Timestamp   time.Time      `json:"timestamp"`
	Source      string         `json:"source"`
	Message     string         `json:"message"`
	Severity    EventSeverity  `json:"severity"`
	RawData     map[string]any `json:"rawData,omitempty"`
	IOCs        []string       `json:"iocs,omitempty"`
}

// Alert is the canonical analyst-facing record produced by normalization.
// Title and Severity are required; Metadata keeps enough of the original
// payload to reconstruct provenance.
type Alert struct {
	ID            int64          `json:"id,omitempty"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Severity      AlertSeverity  `json:"severity"`
	Source        string         `json:"source"`
	SourceIP      string         `json:"sourceIp,omitempty"`
	DestinationIP string         `json:"destinationIp,omitempty"`
	Status        AlertStatus    `json:"status"`
	OrganizationID int64         `json:"organizationId"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"createdAt,omitempty"`
}

// IOCSet buckets extracted indicators of compromise.
type IOCSet struct {
	IPs     []string `json:"ips,omitempty"`
	Domains []string `json:"domains,omitempty"`
	Hashes  []string `json:"hashes,omitempty"`
	URLs    []string `json:"urls,omitempty"`
}

// Empty reports whether no indicator was extracted.
func (s IOCSet) Empty() bool {
	return len(s.IPs) == 0 && len(s.Domains) == 0 && len(s.Hashes) == 0 && len(s.URLs) == 0
}

// ThreatIntel is the canonical intelligence record produced by normalization.
type ThreatIntel struct {
	ID          int64         `json:"id,omitempty"`
	Type        IntelType     `json:"type"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Source      string        `json:"source"`
	Severity    AlertSeverity `json:"severity"`
	Confidence  int           `json:"confidence"`
	IOCs        IOCSet        `json:"iocs"`
	Relevance   Relevance     `json:"relevance"`
	CreatedAt   time.Time     `json:"createdAt,omitempty"`
}

// AgentStatus is the liveness classification of a registered host agent.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentWarning  AgentStatus = "warning"
	AgentInactive AgentStatus = "inactive"
	AgentError    AgentStatus = "error"
)

// AgentMetrics is the optional host telemetry carried on a heartbeat.
type AgentMetrics struct {
	CPUPercent    float64 `json:"cpuPercent,omitempty"`
	MemoryPercent float64 `json:"memoryPercent,omitempty"`
	DiskPercent   float64 `json:"diskPercent,omitempty"`
	EventsQueued  int     `json:"eventsQueued,omitempty"`
}

// Agent is one registered host agent inside an agent connector.
// The bearer token is bound 1:1 to AgentID; status=inactive is set only by
// the liveness sweep.
type Agent struct {
	AgentID       string        `json:"agentId"`
	ConnectorID   int64         `json:"connectorId"`
	Hostname      string        `json:"hostname"`
	IP            string        `json:"ip,omitempty"`
	OS            string        `json:"os"`
	Version       string        `json:"version"`
	Capabilities  []string      `json:"capabilities,omitempty"`
	Status        AgentStatus   `json:"status"`
	LastHeartbeat time.Time     `json:"lastHeartbeat"`
	Token         string        `json:"-"`
	LastMetrics   *AgentMetrics `json:"lastMetrics,omitempty"`
	RegisteredAt  time.Time     `json:"registeredAt"`
}

// AgentEvent is a single event submitted by a host agent over /data.
type AgentEvent struct {
	AgentID   string         `json:"agentId"`
	Hostname  string         `json:"hostname,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"eventType"`
	Severity  AlertSeverity  `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// ConnectorLog is one line of connector activity kept for the admin UI.
type ConnectorLog struct {
	ID          int64     `json:"id,omitempty"`
	ConnectorID int64     `json:"connectorId"`
	Level       string    `json:"level"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AIInsight is the enrichment produced by the external insight generator for
// high-severity alerts.
type AIInsight struct {
	ID          int64          `json:"id,omitempty"`
	AlertID     int64          `json:"alertId,omitempty"`
	Summary     string         `json:"summary"`
	Remediation string         `json:"remediation,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt,omitempty"`
}

// Incident groups related alerts; the incident linker collaborator owns the
// grouping policy, this core only hands alerts over.
type Incident struct {
	ID        int64         `json:"id,omitempty"`
	Title     string        `json:"title"`
	Severity  AlertSeverity `json:"severity"`
	AlertIDs  []int64       `json:"alertIds,omitempty"`
	CreatedAt time.Time     `json:"createdAt,omitempty"`
}
