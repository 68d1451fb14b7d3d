package automation

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/atriumhq/atrium/pkg/audit"
	"github.com/atriumhq/atrium/pkg/contextkeys"
	"github.com/atriumhq/atrium/pkg/crm"
	"github.com/atriumhq/atrium/pkg/observability"
)

// ActionRunner executes playbook actions. Record writes go through the crm
// store as the SYSTEM actor and are audited with the originating request ID
// so the full causal chain stays queryable.
type ActionRunner struct {
	store   *crm.Store
	search  *crm.SearchService
	auditor *audit.Writer
	client  *http.Client
	logger  *observability.Logger
}

// NewActionRunner creates a runner. search and auditor may be nil; client
// defaults to a 10s-timeout http.Client.
func NewActionRunner(store *crm.Store, search *crm.SearchService, auditor *audit.Writer, client *http.Client, logger *observability.Logger) *ActionRunner {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if auditor == nil {
		auditor = audit.NopWriter()
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &ActionRunner{store: store, search: search, auditor: auditor, client: client, logger: logger}
}

// Run executes one action for one event.
func (r *ActionRunner) Run(ctx context.Context, event Event, action ActionSpec) error {
	if event.RequestID != "" {
		ctx = contextkeys.WithRequestID(ctx, event.RequestID)
	}

	switch action.Type {
	case ActionCreateActivity:
		return r.createActivity(ctx, event, action)
	case ActionWebhook:
		return r.sendWebhook(ctx, event, action)
	case ActionSetField:
		return r.setField(ctx, event, action)
	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}
}

func (r *ActionRunner) createActivity(ctx context.Context, event Event, action ActionSpec) error {
	now := time.Now().UTC()
	record := &crm.Record{
		ID:     ulid.Make().String(),
		OrgID:  event.OrgID,
		Module: "activities",
		Fields: map[string]interface{}{
			"type":       "NOTE",
			"subject":    action.Subject,
			"occurredAt": now.Format(time.RFC3339),
			"relatedTo":  event.RecordID,
		},
		CreatedBy: string(audit.ActorSystem),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if action.Notes != "" {
		record.Fields["notes"] = action.Notes
	}

	if err := r.store.Create(ctx, record); err != nil {
		return fmt.Errorf("failed to create activity: %w", err)
	}
	if r.search != nil {
		r.search.Invalidate(event.OrgID, "activities")
	}

	r.auditor.LogChange(ctx, audit.ChangeParams{
		OrgID:     event.OrgID,
		Action:    audit.ActionRecordCreate,
		Module:    "activities",
		RecordID:  record.ID,
		ActorType: audit.ActorSystem,
		NewState:  record.AsMap(),
		Metadata: map[string]interface{}{
			"automation":     true,
			"sourceRecordId": event.RecordID,
		},
	})
	return nil
}

func (r *ActionRunner) setField(ctx context.Context, event Event, action ActionSpec) error {
	record, err := r.store.Get(ctx, event.OrgID, event.Module, event.RecordID)
	if err != nil {
		return fmt.Errorf("failed to load record for set_field: %w", err)
	}

	spec := crm.Module(event.Module)
	if violations := spec.ValidateUpdate(map[string]interface{}{action.Field: action.Value}); len(violations) > 0 {
		return fmt.Errorf("set_field %s: %s", action.Field, violations[0].Message)
	}

	previous := record.AsMap()
	record.Fields[action.Field] = action.Value
	record.UpdatedAt = time.Now().UTC()

	if err := r.store.Update(ctx, record); err != nil {
		return fmt.Errorf("failed to update record for set_field: %w", err)
	}
	if r.search != nil {
		r.search.Invalidate(event.OrgID, event.Module)
	}

	r.auditor.LogChange(ctx, audit.ChangeParams{
		OrgID:         event.OrgID,
		Action:        audit.ActionRecordUpdate,
		Module:        event.Module,
		RecordID:      record.ID,
		ActorType:     audit.ActorSystem,
		PreviousState: previous,
		NewState:      record.AsMap(),
		Metadata: map[string]interface{}{
			"automation": true,
			"field":      action.Field,
		},
	})
	return nil
}

func (r *ActionRunner) sendWebhook(ctx context.Context, event Event, action ActionSpec) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Atrium-Event", string(event.Action))
	req.Header.Set("X-Atrium-Module", event.Module)
	req.Header.Set("X-Atrium-Delivery", time.Now().UTC().Format(time.RFC3339))
	if action.Secret != "" {
		req.Header.Set("X-Atrium-Signature", SignPayload(payload, action.Secret))
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// SignPayload computes the HMAC-SHA256 signature header value for a
// webhook body.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature in constant time. Exported
// for receivers.
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
