// ABOUTME: Narrow Matrix client interface and its mautrix-backed adapter
// ABOUTME: Classifies wire errors into retryable vs permanent at the boundary

package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/cyrup-ai/matryx-sub003/internal/store"
)

// Client is the protocol surface the daemon depends on. Implementations
// must return errors satisfying errors.Is(err, store.ErrUnavailable) for
// failures worth retrying.
type Client interface {
	SendEvent(ctx context.Context, roomID id.RoomID, eventType string, content json.RawMessage) (id.EventID, error)
	SendState(ctx context.Context, roomID id.RoomID, eventType, stateKey string, content json.RawMessage) (id.EventID, error)
	Redact(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) (id.EventID, error)
	UploadMedia(ctx context.Context, data []byte, contentType string) (string, error)
}

var _ Client = (*MautrixClient)(nil)

// MautrixClient wraps *mautrix.Client behind the Client interface.
type MautrixClient struct {
	client *mautrix.Client
	logger *slog.Logger
}

// NewMautrixClient dials nothing; it only builds the client. The caller
// owns the sync loop via RunSync.
func NewMautrixClient(homeserverURL string, userID id.UserID, accessToken string, logger *slog.Logger) (*MautrixClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := mautrix.NewClient(homeserverURL, userID, accessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	return &MautrixClient{
		client: client,
		logger: logger.With("component", "protocol"),
	}, nil
}

func (m *MautrixClient) SendEvent(ctx context.Context, roomID id.RoomID, eventType string, content json.RawMessage) (id.EventID, error) {
	resp, err := m.client.SendMessageEvent(ctx, roomID, event.Type{Type: eventType, Class: event.MessageEventType}, content)
	if err != nil {
		return "", classify(err)
	}
	return resp.EventID, nil
}

func (m *MautrixClient) SendState(ctx context.Context, roomID id.RoomID, eventType, stateKey string, content json.RawMessage) (id.EventID, error) {
	resp, err := m.client.SendStateEvent(ctx, roomID, event.Type{Type: eventType, Class: event.StateEventType}, stateKey, content)
	if err != nil {
		return "", classify(err)
	}
	return resp.EventID, nil
}

func (m *MautrixClient) Redact(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) (id.EventID, error) {
	resp, err := m.client.RedactEvent(ctx, roomID, eventID, mautrix.ReqRedact{Reason: reason})
	if err != nil {
		return "", classify(err)
	}
	return resp.EventID, nil
}

func (m *MautrixClient) UploadMedia(ctx context.Context, data []byte, contentType string) (string, error) {
	resp, err := m.client.UploadBytes(ctx, data, contentType)
	if err != nil {
		return "", classify(err)
	}
	return resp.ContentURI.String(), nil
}

// UseSyncStore points the client's sync cursor persistence at the given
// store. Call before RunSync.
func (m *MautrixClient) UseSyncStore(s mautrix.SyncStore) {
	m.client.Store = s
}

// OnEvent registers a handler for every timeline and state event seen by
// the sync loop.
func (m *MautrixClient) OnEvent(handler func(ctx context.Context, evt *event.Event)) {
	syncer, ok := m.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		m.logger.Error("unexpected syncer type, event handler not registered")
		return
	}
	syncer.OnEvent(handler)
}

// RunSync blocks in the long-poll loop until ctx is cancelled.
func (m *MautrixClient) RunSync(ctx context.Context) error {
	m.logger.Info("starting sync loop", "user_id", m.client.UserID)
	err := m.client.SyncWithContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync loop: %w", err)
	}
	return nil
}

// classify maps a wire error onto the store's error taxonomy. Server
// faults and transport failures become ErrUnavailable so callers retry;
// anything the server rejected outright stays permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) {
		status := 0
		if httpErr.Response != nil {
			status = httpErr.Response.StatusCode
		}
		if status >= 500 || status == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	return err
}
