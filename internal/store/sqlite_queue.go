// ABOUTME: Durable persistence for queued outbound requests, dependency edges and media uploads
// ABOUTME: Consumed by the send queue worker; insertion order is preserved via the seq column

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EnqueueRequest persists an outbound request. Enqueueing an existing
// TxnID is a no-op, making enqueue idempotent.
func (s *SQLiteStore) EnqueueRequest(ctx context.Context, req *QueuedRequest) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	state := req.State
	if state == "" {
		state = RequestQueued
	}
	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO send_queue (txn_id, room_id, kind, content, state, attempts, error, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(txn_id) DO NOTHING`,
		req.TxnID, string(req.RoomID), req.Kind, []byte(req.Content),
		string(state), req.Attempts, req.Error, req.Priority,
		createdAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return classify(err)
	}
	s.logger.Debug("enqueued request", "txn_id", req.TxnID, "room_id", req.RoomID, "kind", req.Kind)
	return nil
}

// GetQueuedRequest returns one queued request by transaction ID.
func (s *SQLiteStore) GetQueuedRequest(ctx context.Context, txnID string) (*QueuedRequest, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT txn_id, room_id, kind, content, state, attempts, error, priority, created_at
		FROM send_queue WHERE txn_id = ?`, txnID)
	return scanQueuedRequest(row)
}

// ListQueuedRequests returns all queued requests ordered by priority
// (highest first) then insertion order.
func (s *SQLiteStore) ListQueuedRequests(ctx context.Context) ([]*QueuedRequest, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT txn_id, room_id, kind, content, state, attempts, error, priority, created_at
		FROM send_queue ORDER BY priority DESC, seq ASC`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var reqs []*QueuedRequest
	for rows.Next() {
		req, err := scanQueuedRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return reqs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueuedRequest(row rowScanner) (*QueuedRequest, error) {
	var req QueuedRequest
	var roomID, state, createdAt string
	var content []byte
	err := row.Scan(&req.TxnID, &roomID, &req.Kind, &content, &state,
		&req.Attempts, &req.Error, &req.Priority, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	req.RoomID = roomIDFrom(roomID)
	req.Content = content
	req.State = RequestState(state)
	req.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, corrupt("queued request created_at", err)
	}
	return &req, nil
}

// UpdateRequestState moves a request through its state machine. The error
// column holds the last failure for wedged requests.
func (s *SQLiteStore) UpdateRequestState(ctx context.Context, txnID string, state RequestState, attempts int, errMsg string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE send_queue SET state = ?, attempts = ?, error = ? WHERE txn_id = ?`,
		string(state), attempts, errMsg, txnID)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveQueuedRequest deletes a request row and every edge touching it.
// Used for the terminal Sent and Cancelled states.
func (s *SQLiteStore) RemoveQueuedRequest(ctx context.Context, txnID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM send_queue WHERE txn_id = ?`, txnID); err != nil {
		return classify(err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM request_dependencies
		WHERE parent_txn_id = ? OR child_txn_id = ?`, txnID, txnID); err != nil {
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

// AddDependencyEdge records that the child must not be dispatched before
// the parent completes. Inserting an existing edge is a no-op. Cycle
// detection is the send queue's job; the store only persists edges.
func (s *SQLiteStore) AddDependencyEdge(ctx context.Context, edge *DependencyEdge) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if edge.ParentTxnID == edge.ChildTxnID {
		return fmt.Errorf("%w: self-referencing dependency %q", ErrConflict, edge.ParentTxnID)
	}
	createdAt := edge.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_dependencies (parent_txn_id, child_txn_id, room_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(parent_txn_id, child_txn_id) DO NOTHING`,
		edge.ParentTxnID, edge.ChildTxnID, string(edge.RoomID),
		createdAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return classify(err)
	}
	return nil
}

// ListDependencyEdges returns every persisted edge.
func (s *SQLiteStore) ListDependencyEdges(ctx context.Context) ([]*DependencyEdge, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.queryEdges(ctx, `
		SELECT parent_txn_id, child_txn_id, room_id, created_at
		FROM request_dependencies ORDER BY created_at, parent_txn_id, child_txn_id`)
}

// EdgesFromParent returns edges where parentTxnID is the dependency
// (forward traversal: who is blocked on it).
func (s *SQLiteStore) EdgesFromParent(ctx context.Context, parentTxnID string) ([]*DependencyEdge, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.queryEdges(ctx, `
		SELECT parent_txn_id, child_txn_id, room_id, created_at
		FROM request_dependencies WHERE parent_txn_id = ?
		ORDER BY created_at, child_txn_id`, parentTxnID)
}

// EdgesToChild returns edges where childTxnID is the dependent (reverse
// traversal: what it is blocked on).
func (s *SQLiteStore) EdgesToChild(ctx context.Context, childTxnID string) ([]*DependencyEdge, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.queryEdges(ctx, `
		SELECT parent_txn_id, child_txn_id, room_id, created_at
		FROM request_dependencies WHERE child_txn_id = ?
		ORDER BY created_at, parent_txn_id`, childTxnID)
}

// RemoveEdgesForParent drops every edge where parentTxnID is the
// dependency, unblocking its dependents.
func (s *SQLiteStore) RemoveEdgesForParent(ctx context.Context, parentTxnID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM request_dependencies WHERE parent_txn_id = ?`, parentTxnID)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (s *SQLiteStore) queryEdges(ctx context.Context, query string, args ...any) ([]*DependencyEdge, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var edges []*DependencyEdge
	for rows.Next() {
		var edge DependencyEdge
		var roomID, createdAt string
		if err := rows.Scan(&edge.ParentTxnID, &edge.ChildTxnID, &roomID, &createdAt); err != nil {
			return nil, classify(err)
		}
		edge.RoomID = roomIDFrom(roomID)
		edge.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, corrupt("dependency edge created_at", err)
		}
		edges = append(edges, &edge)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return edges, nil
}

// UpsertMediaUpload creates or advances a media upload record. Transitions
// only move forward: once a record leaves started it never changes state
// again, and attempts to move it return ErrConflict.
func (s *SQLiteStore) UpsertMediaUpload(ctx context.Context, rec *MediaUploadRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !validMediaState(rec.State) {
		return fmt.Errorf("%w: unknown media upload state %q", ErrConflict, rec.State)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM media_uploads WHERE request_id = ?`, rec.RequestID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// New record; any valid state is acceptable as a starting point.
	case err != nil:
		return classify(err)
	default:
		if !mediaTransitionAllowed(MediaUploadState(current), rec.State) {
			return fmt.Errorf("%w: media upload %s cannot move %s -> %s",
				ErrConflict, rec.RequestID, current, rec.State)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO media_uploads (request_id, state, mxc_uri, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			state = excluded.state,
			mxc_uri = excluded.mxc_uri,
			updated_at = excluded.updated_at`,
		rec.RequestID, string(rec.State), rec.MXCURI,
		time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

func validMediaState(s MediaUploadState) bool {
	switch s {
	case MediaUploadStarted, MediaUploadCompleted, MediaUploadAbandoned:
		return true
	}
	return false
}

func mediaTransitionAllowed(from, to MediaUploadState) bool {
	if from == to {
		return true
	}
	return from == MediaUploadStarted
}

// GetMediaUpload returns the media upload record for requestID.
func (s *SQLiteStore) GetMediaUpload(ctx context.Context, requestID string) (*MediaUploadRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rec := &MediaUploadRecord{RequestID: requestID}
	var state, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT state, mxc_uri, updated_at FROM media_uploads WHERE request_id = ?`,
		requestID).Scan(&state, &rec.MXCURI, &updatedAt)
	if err != nil {
		return nil, classify(err)
	}
	rec.State = MediaUploadState(state)
	rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, corrupt("media upload updated_at", err)
	}
	return rec, nil
}

// ListMediaUploads returns all media upload records, oldest first.
func (s *SQLiteStore) ListMediaUploads(ctx context.Context) ([]*MediaUploadRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, state, mxc_uri, updated_at FROM media_uploads
		ORDER BY updated_at, request_id`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var recs []*MediaUploadRecord
	for rows.Next() {
		var rec MediaUploadRecord
		var state, updatedAt string
		if err := rows.Scan(&rec.RequestID, &state, &rec.MXCURI, &updatedAt); err != nil {
			return nil, classify(err)
		}
		rec.State = MediaUploadState(state)
		rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
		if err != nil {
			return nil, corrupt("media upload updated_at", err)
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return recs, nil
}
