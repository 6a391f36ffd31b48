package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dashsync/internal/domain"
	"dashsync/internal/events"
	"dashsync/internal/reconcile"
)

// ErrUnsupportedEvent is returned for webhook events that carry nothing to
// reconcile.
var ErrUnsupportedEvent = errors.New("unsupported webhook event")

type webhookPayload struct {
	Action     string          `json:"action"`
	Repository json.RawMessage `json:"repository"`
	Issue      json.RawMessage `json:"issue"`
}

// ApplyWebhook reconciles the single entity carried by a repository or issues
// event and records it as its own import log. Webhook items are always
// applied, whatever their updated_at.
func (s *Syncer) ApplyWebhook(ctx context.Context, event string, body []byte) (domain.SyncResult, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.SyncResult{}, fmt.Errorf("decode %s payload: %w", event, err)
	}
	var (
		res  reconcile.Result
		kind string
	)
	started := s.now()
	switch event {
	case "repository":
		if len(payload.Repository) == 0 {
			return domain.SyncResult{}, fmt.Errorf("%s payload has no repository", event)
		}
		kind = "project"
		res = s.reconciler.Repository(ctx, payload.Repository, time.Time{})
	case "issues":
		if len(payload.Issue) == 0 {
			return domain.SyncResult{}, fmt.Errorf("%s payload has no issue", event)
		}
		kind = "bug"
		res = s.reconciler.Issue(ctx, payload.Issue, time.Time{})
	default:
		return domain.SyncResult{}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, event)
	}

	b := reconcile.NewBatch(s.cfg.MaxErrors)
	b.Add(res)
	status := domain.ImportSuccess
	if b.Failed > 0 {
		status = domain.ImportPartial
	}
	meta := b.Counts()
	meta["event"] = event
	meta["action"] = payload.Action
	meta["outcome"] = string(res.Outcome)
	result := domain.SyncResult{
		ID:              uuid.NewString(),
		Source:          "github-webhook:" + event,
		Status:          status,
		TotalItems:      b.Total,
		SuccessfulItems: b.Successful(),
		FailedItems:     b.Failed,
		Errors:          b.Errors,
		DurationMs:      s.now().Sub(started).Milliseconds(),
		Timestamp:       started,
		Metadata:        meta,
	}
	s.log.WithFields(logrus.Fields{"event": event, "action": payload.Action, "item": res.Key, "outcome": res.Outcome}).Info("webhook applied")
	detached := context.WithoutCancel(ctx)
	if err := s.store.InsertImportLog(detached, result); err != nil {
		return result, fmt.Errorf("record import log: %w", err)
	}
	if s.audit != nil && res.ID != "" {
		payload := map[string]any{"event": event, "action": payload.Action, "outcome": string(res.Outcome)}
		if err := s.audit.Append(detached, events.TypeWebhookApplied, kind, res.ID, "github-webhook", payload); err != nil {
			s.log.WithError(err).Warn("audit append failed")
		}
	}
	return result, nil
}
