package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carechat/carechat/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func pgConn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// =========== Room Repository ===========

type roomRepoPG struct{ pool *pgxpool.Pool }

func NewRoomRepoPG(pool *pgxpool.Pool) RoomRepository {
	return &roomRepoPG{pool: pool}
}

const roomCols = `id, patient_id, professional_id, created_at, last_activity_at`

func scanRoom(row pgx.Row) (*Room, error) {
	var r Room
	if err := row.Scan(&r.ID, &r.PatientID, &r.ProfessionalID, &r.CreatedAt, &r.LastActivityAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.LastActivityAt = r.LastActivityAt.UTC()
	return &r, nil
}

func (r *roomRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Room, error) {
	return scanRoom(pgConn(ctx, r.pool).QueryRow(ctx, `SELECT `+roomCols+` FROM chat_room WHERE id = $1`, id))
}

func (r *roomRepoPG) FindOrCreate(ctx context.Context, patientID, professionalID string) (*Room, bool, error) {
	q := pgConn(ctx, r.pool)
	room, err := scanRoom(q.QueryRow(ctx, `
		INSERT INTO chat_room (id, patient_id, professional_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (patient_id, professional_id) DO NOTHING
		RETURNING `+roomCols,
		uuid.New(), patientID, professionalID))
	if err == nil {
		return room, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("insert room: %w", err)
	}

	room, err = scanRoom(q.QueryRow(ctx,
		`SELECT `+roomCols+` FROM chat_room WHERE patient_id = $1 AND professional_id = $2`,
		patientID, professionalID))
	if err != nil {
		return nil, false, fmt.Errorf("select room: %w", err)
	}
	return room, false, nil
}

func (r *roomRepoPG) ListByParticipant(ctx context.Context, patientID, professionalID string, limit, offset int) ([]*Room, int, error) {
	limit, offset = clampPage(limit, offset)
	q := pgConn(ctx, r.pool)
	const where = `WHERE ($1 <> '' AND patient_id = $1) OR ($2 <> '' AND professional_id = $2)`

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM chat_room `+where, patientID, professionalID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count rooms: %w", err)
	}

	rows, err := q.Query(ctx, `SELECT `+roomCols+` FROM chat_room `+where+`
		ORDER BY last_activity_at DESC, id LIMIT $3 OFFSET $4`,
		patientID, professionalID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	rooms := []*Room{}
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, 0, err
		}
		rooms = append(rooms, room)
	}
	return rooms, total, rows.Err()
}

// =========== Message Repository ===========

type messageRepoPG struct{ pool *pgxpool.Pool }

func NewMessageRepoPG(pool *pgxpool.Pool) MessageRepository {
	return &messageRepoPG{pool: pool}
}

const messageCols = `id, room_id, sender_role, sender_id, content, created_at, read`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	var role string
	if err := row.Scan(&m.ID, &m.RoomID, &role, &m.SenderID, &m.Content, &m.CreatedAt, &m.Read); err != nil {
		return nil, err
	}
	m.SenderRole = Role(role)
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

func (r *messageRepoPG) Append(ctx context.Context, roomID uuid.UUID, role Role, senderID, content string) (*Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid sender role %q", role)
	}

	m := &Message{ID: uuid.New(), RoomID: roomID, SenderRole: role, SenderID: senderID, Content: content}
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		tx := db.TxFromContext(ctx)

		// The row lock serializes appends per room; created_at always moves
		// past the previous activity timestamp.
		err := tx.QueryRow(ctx, `
			UPDATE chat_room
			SET last_activity_at = GREATEST(clock_timestamp(), last_activity_at + INTERVAL '1 microsecond')
			WHERE id = $1
			RETURNING last_activity_at`, roomID).Scan(&m.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("touch room: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO chat_message (id, room_id, sender_role, sender_id, content, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			m.ID, m.RoomID, string(m.SenderRole), m.SenderID, m.Content, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func (r *messageRepoPG) MarkRead(ctx context.Context, roomID uuid.UUID, reader Role) (int, error) {
	tag, err := pgConn(ctx, r.pool).Exec(ctx, `
		UPDATE chat_message SET read = TRUE
		WHERE room_id = $1 AND sender_role = $2 AND read = FALSE`,
		roomID, string(reader.Opposite()))
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *messageRepoPG) List(ctx context.Context, roomID uuid.UUID, limit, offset int) ([]*Message, int, error) {
	limit, offset = clampPage(limit, offset)
	q := pgConn(ctx, r.pool)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM chat_message WHERE room_id = $1`, roomID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	rows, err := q.Query(ctx, `SELECT `+messageCols+` FROM chat_message WHERE room_id = $1
		ORDER BY created_at, id LIMIT $2 OFFSET $3`, roomID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := []*Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		msgs = append(msgs, m)
	}
	return msgs, total, rows.Err()
}

func (r *messageRepoPG) UnreadCount(ctx context.Context, roomID uuid.UUID, reader Role) (int, error) {
	var n int
	err := pgConn(ctx, r.pool).QueryRow(ctx, `
		SELECT COUNT(*) FROM chat_message
		WHERE room_id = $1 AND sender_role = $2 AND read = FALSE`,
		roomID, string(reader.Opposite())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}
