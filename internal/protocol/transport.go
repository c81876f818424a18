// ABOUTME: QueueTransport decodes queued request payloads and issues client calls
// ABOUTME: Media uploads also advance their tracking record on success

package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/cyrup-ai/matryx-sub003/internal/sendqueue"
	"github.com/cyrup-ai/matryx-sub003/internal/store"
)

var _ sendqueue.Transport = (*QueueTransport)(nil)

// Request kinds understood by the transport. The kind selects the payload
// shape and the client call.
const (
	KindEvent       = "event"
	KindState       = "state"
	KindRedaction   = "redaction"
	KindMediaUpload = "media_upload"
)

// EventPayload is the body of a KindEvent request.
type EventPayload struct {
	EventType string          `json:"event_type"`
	Content   json.RawMessage `json:"content"`
}

// StatePayload is the body of a KindState request.
type StatePayload struct {
	EventType string          `json:"event_type"`
	StateKey  string          `json:"state_key"`
	Content   json.RawMessage `json:"content"`
}

// RedactionPayload is the body of a KindRedaction request.
type RedactionPayload struct {
	EventID id.EventID `json:"event_id"`
	Reason  string     `json:"reason,omitempty"`
}

// MediaPayload is the body of a KindMediaUpload request. Data is
// base64-encoded on the wire by encoding/json.
type MediaPayload struct {
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// QueueTransport executes queued requests against a Client. It implements
// the send queue's Transport contract: transient failures come back as
// store.ErrUnavailable, malformed payloads as permanent errors.
type QueueTransport struct {
	client Client
	store  store.Store
	logger *slog.Logger
}

func NewQueueTransport(client Client, st store.Store, logger *slog.Logger) *QueueTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueTransport{
		client: client,
		store:  st,
		logger: logger.With("component", "transport"),
	}
}

func (t *QueueTransport) SendRequest(ctx context.Context, req *store.QueuedRequest) error {
	switch req.Kind {
	case KindEvent:
		var p EventPayload
		if err := json.Unmarshal(req.Content, &p); err != nil {
			return fmt.Errorf("decode event payload %s: %w", req.TxnID, err)
		}
		eventID, err := t.client.SendEvent(ctx, req.RoomID, p.EventType, p.Content)
		if err != nil {
			return err
		}
		t.logger.Debug("sent event", "txn_id", req.TxnID, "event_id", eventID)
		return nil

	case KindState:
		var p StatePayload
		if err := json.Unmarshal(req.Content, &p); err != nil {
			return fmt.Errorf("decode state payload %s: %w", req.TxnID, err)
		}
		eventID, err := t.client.SendState(ctx, req.RoomID, p.EventType, p.StateKey, p.Content)
		if err != nil {
			return err
		}
		t.logger.Debug("sent state event", "txn_id", req.TxnID, "event_id", eventID)
		return nil

	case KindRedaction:
		var p RedactionPayload
		if err := json.Unmarshal(req.Content, &p); err != nil {
			return fmt.Errorf("decode redaction payload %s: %w", req.TxnID, err)
		}
		if _, err := t.client.Redact(ctx, req.RoomID, p.EventID, p.Reason); err != nil {
			return err
		}
		return nil

	case KindMediaUpload:
		return t.sendMedia(ctx, req)

	default:
		return fmt.Errorf("unknown request kind %q for %s", req.Kind, req.TxnID)
	}
}

// sendMedia uploads the bytes and advances the upload's tracking record
// to completed. The record moves forward only, so a replayed request
// after a crash lands on the same terminal state.
func (t *QueueTransport) sendMedia(ctx context.Context, req *store.QueuedRequest) error {
	var p MediaPayload
	if err := json.Unmarshal(req.Content, &p); err != nil {
		return fmt.Errorf("decode media payload %s: %w", req.TxnID, err)
	}

	uri, err := t.client.UploadMedia(ctx, p.Data, p.ContentType)
	if err != nil {
		return err
	}

	rec := &store.MediaUploadRecord{
		RequestID: req.TxnID,
		State:     store.MediaUploadCompleted,
		MXCURI:    uri,
		UpdatedAt: time.Now().UTC(),
	}
	if err := t.store.UpsertMediaUpload(ctx, rec); err != nil {
		t.logger.Error("upload succeeded but record update failed",
			"txn_id", req.TxnID, "mxc_uri", uri, "error", err)
		return err
	}
	t.logger.Debug("uploaded media", "txn_id", req.TxnID, "mxc_uri", uri)
	return nil
}
