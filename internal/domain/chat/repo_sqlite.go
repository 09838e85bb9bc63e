package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// sqliteSchema mirrors migrations/001_chat.sql. Timestamps are stored as
// Unix microseconds so that ordering is numeric.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chat_room (
    id               TEXT PRIMARY KEY,
    patient_id       TEXT NOT NULL,
    professional_id  TEXT NOT NULL,
    created_at       INTEGER NOT NULL,
    last_activity_at INTEGER NOT NULL,
    UNIQUE (patient_id, professional_id)
);
CREATE TABLE IF NOT EXISTS chat_message (
    id          TEXT PRIMARY KEY,
    room_id     TEXT NOT NULL REFERENCES chat_room (id) ON DELETE CASCADE,
    sender_role TEXT NOT NULL CHECK (sender_role IN ('patient', 'professional')),
    sender_id   TEXT NOT NULL,
    content     TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    read        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_chat_message_room_created ON chat_message (room_id, created_at, id);
CREATE INDEX IF NOT EXISTS idx_chat_room_patient ON chat_room (patient_id, last_activity_at);
CREATE INDEX IF NOT EXISTS idx_chat_room_professional ON chat_room (professional_id, last_activity_at);
`

// SQLiteStore implements RoomRepository and MessageRepository on a single
// SQLite database opened with db.OpenSQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates the chat tables if needed.
func NewSQLiteStore(ctx context.Context, sqlDB *sql.DB) (*SQLiteStore, error) {
	if _, err := sqlDB.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLiteStore{db: sqlDB, now: time.Now}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func toMicros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(us int64) time.Time { return time.UnixMicro(us).UTC() }

const sqliteRoomCols = `id, patient_id, professional_id, created_at, last_activity_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRoom(row rowScanner) (*Room, error) {
	var r Room
	var created, active int64
	if err := row.Scan(&r.ID, &r.PatientID, &r.ProfessionalID, &created, &active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.CreatedAt = fromMicros(created)
	r.LastActivityAt = fromMicros(active)
	return &r, nil
}

func (s *SQLiteStore) GetByID(ctx context.Context, id uuid.UUID) (*Room, error) {
	return scanSQLiteRoom(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRoomCols+` FROM chat_room WHERE id = ?`, id.String()))
}

func (s *SQLiteStore) FindOrCreate(ctx context.Context, patientID, professionalID string) (*Room, bool, error) {
	now := toMicros(s.now())
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO chat_room (id, patient_id, professional_id, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), patientID, professionalID, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("insert room: %w", err)
	}
	n, _ := res.RowsAffected()

	room, err := scanSQLiteRoom(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRoomCols+` FROM chat_room WHERE patient_id = ? AND professional_id = ?`,
		patientID, professionalID))
	if err != nil {
		return nil, false, fmt.Errorf("select room: %w", err)
	}
	return room, n == 1, nil
}

func (s *SQLiteStore) ListByParticipant(ctx context.Context, patientID, professionalID string, limit, offset int) ([]*Room, int, error) {
	limit, offset = clampPage(limit, offset)
	const where = `WHERE (?1 <> '' AND patient_id = ?1) OR (?2 <> '' AND professional_id = ?2)`

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_room `+where,
		patientID, professionalID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count rooms: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteRoomCols+` FROM chat_room `+where+`
		ORDER BY last_activity_at DESC, id LIMIT ?3 OFFSET ?4`,
		patientID, professionalID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	rooms := []*Room{}
	for rows.Next() {
		r, err := scanSQLiteRoom(rows)
		if err != nil {
			return nil, 0, err
		}
		rooms = append(rooms, r)
	}
	return rooms, total, rows.Err()
}

func (s *SQLiteStore) Append(ctx context.Context, roomID uuid.UUID, role Role, senderID, content string) (*Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid sender role %q", role)
	}

	// Transactions take the write lock at BEGIN (_txlock=immediate), so the
	// read of last_activity_at and the update below cannot interleave.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last int64
	err = tx.QueryRowContext(ctx, `SELECT last_activity_at FROM chat_room WHERE id = ?`, roomID.String()).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read room: %w", err)
	}

	m := &Message{
		ID:         uuid.New(),
		RoomID:     roomID,
		SenderRole: role,
		SenderID:   senderID,
		Content:    content,
		CreatedAt:  nextTimestamp(s.now(), fromMicros(last)),
	}
	at := toMicros(m.CreatedAt)

	if _, err := tx.ExecContext(ctx, `UPDATE chat_room SET last_activity_at = ? WHERE id = ?`, at, roomID.String()); err != nil {
		return nil, fmt.Errorf("touch room: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_message (id, room_id, sender_role, sender_id, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID.String(), roomID.String(), string(role), senderID, content, at); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) MarkRead(ctx context.Context, roomID uuid.UUID, reader Role) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_message SET read = 1
		WHERE room_id = ? AND sender_role = ? AND read = 0`,
		roomID.String(), string(reader.Opposite()))
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) List(ctx context.Context, roomID uuid.UUID, limit, offset int) ([]*Message, int, error) {
	limit, offset = clampPage(limit, offset)
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_message WHERE room_id = ?`,
		roomID.String()).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, sender_role, sender_id, content, created_at, read
		FROM chat_message WHERE room_id = ?
		ORDER BY created_at, id LIMIT ? OFFSET ?`, roomID.String(), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := []*Message{}
	for rows.Next() {
		var m Message
		var role string
		var at int64
		if err := rows.Scan(&m.ID, &m.RoomID, &role, &m.SenderID, &m.Content, &at, &m.Read); err != nil {
			return nil, 0, err
		}
		m.SenderRole = Role(role)
		m.CreatedAt = fromMicros(at)
		msgs = append(msgs, &m)
	}
	return msgs, total, rows.Err()
}

func (s *SQLiteStore) UnreadCount(ctx context.Context, roomID uuid.UUID, reader Role) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chat_message
		WHERE room_id = ? AND sender_role = ? AND read = 0`,
		roomID.String(), string(reader.Opposite())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}
