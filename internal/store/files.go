package store

import (
	"context"
	"database/sql"
	"time"

	"chatcore/internal/model"
)

// CreateFileMeta inserts the shared metadata row for a file transfer
// (send or receive side).
func (s *Store) CreateFileMeta(ctx context.Context, f model.FileMeta) (model.FileID, error) {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO file_meta
		(user_id, name, size, chunk_size, protocol, inline_mode, agent_snd_file_id, cancelled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.UserID, f.Name, f.Size, f.ChunkSize, string(f.Protocol), string(f.Inline), f.AgentSndFileID,
		boolToInt(f.Cancelled), f.CreatedAt.Unix())
	if err != nil {
		return 0, wrap(model.StoreInternal, "file", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrap(model.StoreInternal, "file", err)
	}
	return model.FileID(id), nil
}

// GetFileMeta loads a file's shared metadata.
func (s *Store) GetFileMeta(ctx context.Context, id model.FileID) (model.FileMeta, error) {
	row := s.db.QueryRowContext(ctx, `SELECT file_id, user_id, name, size, chunk_size, protocol,
		inline_mode, agent_snd_file_id, cancelled, created_at FROM file_meta WHERE file_id = ?`, id)
	var f model.FileMeta
	var protocol, inline string
	var cancelled int
	var createdAt int64
	if err := row.Scan(&f.FileID, &f.UserID, &f.Name, &f.Size, &f.ChunkSize, &protocol, &inline,
		&f.AgentSndFileID, &cancelled, &createdAt); err != nil {
		return model.FileMeta{}, notFoundOr("file", err)
	}
	f.Protocol = model.FileProtocol(protocol)
	f.Inline = model.InlineMode(inline)
	f.Cancelled = cancelled != 0
	f.CreatedAt = time.Unix(createdAt, 0).UTC()
	return f, nil
}

// SetAgentSndFileID records the agent's own handle for an XFTP upload
// once XFTPSendFile has accepted it, so a later SFPROG/SFDONE event
// (which carries only that handle, not a connection) can be matched
// back to this file.
func (s *Store) SetAgentSndFileID(ctx context.Context, fileID model.FileID, agentID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE file_meta SET agent_snd_file_id = ? WHERE file_id = ?`, agentID, fileID)
	return wrap(model.StoreInternal, "file", err)
}

// GetFileMetaByAgentSndFileID resolves an XFTP upload's row from the
// agent handle an SFPROG/SFDONE event carries.
func (s *Store) GetFileMetaByAgentSndFileID(ctx context.Context, agentID string) (model.FileMeta, error) {
	row := s.db.QueryRowContext(ctx, `SELECT file_id, user_id, name, size, chunk_size, protocol,
		inline_mode, agent_snd_file_id, cancelled, created_at FROM file_meta WHERE agent_snd_file_id = ?`, agentID)
	var f model.FileMeta
	var protocol, inline string
	var cancelled int
	var createdAt int64
	if err := row.Scan(&f.FileID, &f.UserID, &f.Name, &f.Size, &f.ChunkSize, &protocol, &inline,
		&f.AgentSndFileID, &cancelled, &createdAt); err != nil {
		return model.FileMeta{}, notFoundOr("file", err)
	}
	f.Protocol = model.FileProtocol(protocol)
	f.Inline = model.InlineMode(inline)
	f.Cancelled = cancelled != 0
	f.CreatedAt = time.Unix(createdAt, 0).UTC()
	return f, nil
}

// GetRcvFileTransferByAgentID resolves a receive transfer from the
// agent handle XFTPReceiveFile returned, the same way
// GetFileMetaByAgentSndFileID does for the send side.
func (s *Store) GetRcvFileTransferByAgentID(ctx context.Context, agentID string) (model.RcvFileTransfer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT file_id, user_id, invitation_json, status, conn_id,
		agent_rcv_file_id, local_path, chunks_written, descriptor_buf, descriptor_done
		FROM rcv_file_transfers WHERE agent_rcv_file_id = ?`, agentID)
	return scanRcvFileTransfer(row)
}

// SetAgentRcvFileID records the agent's handle for a receive transfer
// once XFTPReceiveFile has accepted the descriptor.
func (s *Store) SetAgentRcvFileID(ctx context.Context, fileID model.FileID, agentID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE rcv_file_transfers SET agent_rcv_file_id = ? WHERE file_id = ?`, agentID, fileID)
	return wrap(model.StoreInternal, "rcv-file-transfer", err)
}

// CancelFile marks a file transfer cancelled.
func (s *Store) CancelFile(ctx context.Context, id model.FileID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE file_meta SET cancelled = 1 WHERE file_id = ?`, id)
	return wrap(model.StoreInternal, "file", err)
}

// CreateSndFileTransfer inserts a per-recipient send-side row.
func (s *Store) CreateSndFileTransfer(ctx context.Context, t model.SndFileTransfer) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO snd_file_transfers
		(file_id, conn_id, recipient_contact_id, status, descriptor) VALUES (?, ?, ?, ?, ?)`,
		t.FileID, t.ConnID, t.Recipient, string(t.Status), t.Descriptor)
	return wrap(model.StoreInternal, "snd-file-transfer", err)
}

// UpdateSndFileStatus transitions a per-recipient send status.
func (s *Store) UpdateSndFileStatus(ctx context.Context, fileID model.FileID, connID model.ConnID, status model.SndFileStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE snd_file_transfers SET status = ? WHERE file_id = ? AND conn_id = ?`,
		string(status), fileID, connID)
	if err != nil {
		return wrap(model.StoreInternal, "snd-file-transfer", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap(model.StoreNotFound, "snd-file-transfer", sql.ErrNoRows)
	}
	return nil
}

// ListSndFileTransfers returns every recipient row for a sent file.
func (s *Store) ListSndFileTransfers(ctx context.Context, fileID model.FileID) ([]model.SndFileTransfer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT file_id, conn_id, recipient_contact_id, status, descriptor
		FROM snd_file_transfers WHERE file_id = ?`, fileID)
	if err != nil {
		return nil, wrap(model.StoreInternal, "snd-file-transfer", err)
	}
	defer rows.Close()
	var out []model.SndFileTransfer
	for rows.Next() {
		var t model.SndFileTransfer
		var status string
		if err := rows.Scan(&t.FileID, &t.ConnID, &t.Recipient, &status, &t.Descriptor); err != nil {
			return nil, wrap(model.StoreInternal, "snd-file-transfer", err)
		}
		t.Status = model.SndFileStatus(status)
		out = append(out, t)
	}
	return out, wrap(model.StoreInternal, "snd-file-transfer", rows.Err())
}

// GetSndFileTransferByConnID resolves the per-recipient send row
// owning a ConnTypeSndFile connection, the lookup the event processor
// runs on inbound SENT/MERR/ERR for a file-send connection.
func (s *Store) GetSndFileTransferByConnID(ctx context.Context, connID model.ConnID) (model.SndFileTransfer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT file_id, conn_id, recipient_contact_id, status, descriptor
		FROM snd_file_transfers WHERE conn_id = ?`, connID)
	var t model.SndFileTransfer
	var status string
	if err := row.Scan(&t.FileID, &t.ConnID, &t.Recipient, &status, &t.Descriptor); err != nil {
		return model.SndFileTransfer{}, notFoundOr("snd-file-transfer", err)
	}
	t.Status = model.SndFileStatus(status)
	return t, nil
}

// GetRcvFileTransferByConnID resolves the receive-side row owning a
// ConnTypeRcvFile connection.
func (s *Store) GetRcvFileTransferByConnID(ctx context.Context, connID model.ConnID) (model.RcvFileTransfer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT file_id, user_id, invitation_json, status, conn_id,
		agent_rcv_file_id, local_path, chunks_written, descriptor_buf, descriptor_done
		FROM rcv_file_transfers WHERE conn_id = ?`, connID)
	return scanRcvFileTransfer(row)
}

// CreateRcvFileTransfer inserts the receive-side state machine row.
func (s *Store) CreateRcvFileTransfer(ctx context.Context, t model.RcvFileTransfer) error {
	inv, err := marshalInvitation(t.Invitation)
	if err != nil {
		return wrap(model.StoreInternal, "rcv-file-transfer", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO rcv_file_transfers
		(file_id, user_id, invitation_json, status, conn_id, agent_rcv_file_id, local_path,
		 chunks_written, descriptor_buf, descriptor_done)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.FileID, t.UserID, inv, string(t.Status), nullConnID(t.ConnID), t.AgentRcvFileID, t.LocalPath,
		t.ChunksWritten, t.DescriptorBuf, boolToInt(t.DescriptorDone))
	return wrap(model.StoreInternal, "rcv-file-transfer", err)
}

// GetRcvFileTransfer loads a receive-side transfer.
func (s *Store) GetRcvFileTransfer(ctx context.Context, fileID model.FileID) (model.RcvFileTransfer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT file_id, user_id, invitation_json, status, conn_id,
		agent_rcv_file_id, local_path, chunks_written, descriptor_buf, descriptor_done
		FROM rcv_file_transfers WHERE file_id = ?`, fileID)
	return scanRcvFileTransfer(row)
}

// UpdateRcvFileStatus transitions the receive-side status.
func (s *Store) UpdateRcvFileStatus(ctx context.Context, fileID model.FileID, status model.RcvFileStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE rcv_file_transfers SET status = ? WHERE file_id = ?`, string(status), fileID)
	if err != nil {
		return wrap(model.StoreInternal, "rcv-file-transfer", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap(model.StoreNotFound, "rcv-file-transfer", sql.ErrNoRows)
	}
	return nil
}

// AppendRcvChunk records one more chunk written to disk and bumps the
// chunk counter used to detect out-of-sequence delivery
// (model.ErrBadChunkNumber, ).
func (s *Store) AppendRcvChunk(ctx context.Context, fileID model.FileID, chunkNo int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(model.StoreInternal, "rcv-file-transfer", err)
	}
	defer tx.Rollback()

	var written int
	if err := tx.QueryRowContext(ctx, `SELECT chunks_written FROM rcv_file_transfers WHERE file_id = ?`, fileID).Scan(&written); err != nil {
		return notFoundOr("rcv-file-transfer", err)
	}
	if chunkNo != written+1 {
		return model.ErrBadChunkNumber
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rcv_file_transfers SET chunks_written = ? WHERE file_id = ?`, chunkNo, fileID); err != nil {
		return wrap(model.StoreInternal, "rcv-file-transfer", err)
	}
	return wrap(model.StoreInternal, "rcv-file-transfer", tx.Commit())
}

// AppendDescriptorPart accumulates one XFTP file-description fragment.
func (s *Store) AppendDescriptorPart(ctx context.Context, fileID model.FileID, text string, complete bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(model.StoreInternal, "rcv-file-transfer", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE rcv_file_transfers SET descriptor_buf = descriptor_buf || ?, descriptor_done = ?
		WHERE file_id = ?`, text, boolToInt(complete), fileID); err != nil {
		return wrap(model.StoreInternal, "rcv-file-transfer", err)
	}
	return wrap(model.StoreInternal, "rcv-file-transfer", tx.Commit())
}

func scanRcvFileTransfer(row rowScanner) (model.RcvFileTransfer, error) {
	var t model.RcvFileTransfer
	var invitation, status string
	var connID sql.NullInt64
	var descriptorDone int
	err := row.Scan(&t.FileID, &t.UserID, &invitation, &status, &connID, &t.AgentRcvFileID,
		&t.LocalPath, &t.ChunksWritten, &t.DescriptorBuf, &descriptorDone)
	if err != nil {
		return model.RcvFileTransfer{}, notFoundOr("rcv-file-transfer", err)
	}
	inv, err := unmarshalInvitation(invitation)
	if err != nil {
		return model.RcvFileTransfer{}, wrap(model.StoreInternal, "rcv-file-transfer", err)
	}
	t.Invitation = inv
	t.Status = model.RcvFileStatus(status)
	t.DescriptorDone = descriptorDone != 0
	if connID.Valid {
		cid := model.ConnID(connID.Int64)
		t.ConnID = &cid
	}
	return t, nil
}
