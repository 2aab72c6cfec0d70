package manager

import (
	"encoding/json"
	"fmt"

	"github.com/vigiasec/ingest/internal/connector"
	"github.com/vigiasec/ingest/internal/connector/agentsrv"
	"github.com/vigiasec/ingest/internal/connector/apipoll"
	"github.com/vigiasec/ingest/internal/connector/filewatch"
	"github.com/vigiasec/ingest/internal/connector/syslog"
	"github.com/vigiasec/ingest/internal/connector/webhook"
	"github.com/vigiasec/ingest/internal/model"
	"github.com/vigiasec/ingest/internal/vault"
)

// buildFunc constructs one connector type from its record and opened
// credentials. creds is nil when the record carries no sealed blob.
type buildFunc func(rec *model.ConnectorRecord, creds *vault.Credentials, sink *connector.Sink) (connector.Connector, error)

func (m *Manager) builders() map[model.ConnectorType]buildFunc {
	return map[model.ConnectorType]buildFunc{
		model.ConnectorSyslog: func(rec *model.ConnectorRecord, creds *vault.Credentials, sink *connector.Sink) (connector.Connector, error) {
			return syslog.New(rec, creds, sink, m.metrics)
		},
		model.ConnectorAPI: func(rec *model.ConnectorRecord, creds *vault.Credentials, sink *connector.Sink) (connector.Connector, error) {
			return apipoll.New(rec, creds, sink, m.queue, m.metrics)
		},
		model.ConnectorWebhook: func(rec *model.ConnectorRecord, creds *vault.Credentials, sink *connector.Sink) (connector.Connector, error) {
			return webhook.New(rec, creds, sink, m.registry, m.metrics)
		},
		model.ConnectorFile: func(rec *model.ConnectorRecord, creds *vault.Credentials, sink *connector.Sink) (connector.Connector, error) {
			return filewatch.New(rec, sink, m.metrics)
		},
		model.ConnectorAgent: func(rec *model.ConnectorRecord, creds *vault.Credentials, sink *connector.Sink) (connector.Connector, error) {
			return agentsrv.New(rec, creds, sink, m.store, m.vault, m.enricher, m.metrics, m.events)
		},
	}
}

// build opens the record's credentials and constructs the connector through
// the type-indexed builder. The connector sees the configuration with the
// sealed blob stripped out; plaintext credentials never touch the record.
func (m *Manager) build(rec *model.ConnectorRecord, sink *connector.Sink) (connector.Connector, error) {
	bf, ok := m.factory[rec.Type]
	if !ok {
		return nil, fmt.Errorf("manager: connector %d has unknown type %q", rec.ID, rec.Type)
	}

	sealed, rest, err := splitConfiguration(rec.Configuration)
	if err != nil {
		return nil, fmt.Errorf("manager: connector %d: %w", rec.ID, err)
	}
	var creds *vault.Credentials
	if sealed != nil {
		creds, err = m.vault.Decrypt(sealed)
		if err != nil {
			return nil, fmt.Errorf("manager: connector %d: opening credentials: %w", rec.ID, err)
		}
	}

	stripped := *rec
	stripped.Configuration = rest
	return bf(&stripped, creds, sink)
}

// splitConfiguration separates the sealed credential blob from the rest of
// the stored configuration. The blob rides inside the JSON under the
// "credentials" key; per-type config schemas never declare it.
func splitConfiguration(raw json.RawMessage) (*vault.EncryptedCredentials, json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, raw, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, nil, fmt.Errorf("reading configuration: %w", err)
	}
	sealedRaw, ok := fields["credentials"]
	if !ok {
		return nil, raw, nil
	}

	var sealed vault.EncryptedCredentials
	if err := json.Unmarshal(sealedRaw, &sealed); err != nil {
		return nil, nil, fmt.Errorf("reading credential blob: %w", err)
	}
	delete(fields, "credentials")
	rest, err := json.Marshal(fields)
	if err != nil {
		return nil, nil, fmt.Errorf("rewriting configuration: %w", err)
	}
	if sealed.Ciphertext == "" {
		return nil, rest, nil
	}
	return &sealed, rest, nil
}
