package chat

import (
	"time"

	"github.com/google/uuid"

	"github.com/carechat/carechat/internal/platform/auth"
)

// Role is the side of a room a message is sent from.
type Role string

const (
	RolePatient      Role = "patient"
	RoleProfessional Role = "professional"
)

func (r Role) Valid() bool {
	return r == RolePatient || r == RoleProfessional
}

// Opposite returns the other side of the room.
func (r Role) Opposite() Role {
	if r == RolePatient {
		return RoleProfessional
	}
	return RolePatient
}

// Participation is how a principal relates to a room.
type Participation int

const (
	ParticipationNone Participation = iota
	AsPatient
	AsProfessional
	AsBoth
)

func (p Participation) String() string {
	switch p {
	case AsPatient:
		return "as-patient"
	case AsProfessional:
		return "as-professional"
	case AsBoth:
		return "as-both"
	default:
		return "none"
	}
}

// Holds reports whether the participation includes role.
func (p Participation) Holds(role Role) bool {
	switch role {
	case RolePatient:
		return p == AsPatient || p == AsBoth
	case RoleProfessional:
		return p == AsProfessional || p == AsBoth
	}
	return false
}

// Room is a two-party channel, unique per (patient, professional) pair.
type Room struct {
	ID             uuid.UUID `json:"id"`
	PatientID      string    `json:"patient_id"`
	ProfessionalID string    `json:"professional_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// SideID returns the identity on the given side of the room.
func (r *Room) SideID(role Role) string {
	if role == RolePatient {
		return r.PatientID
	}
	return r.ProfessionalID
}

// ParticipationOf computes the principal's relationship to room. Empty
// identities never match.
func ParticipationOf(p auth.Principal, room *Room) Participation {
	if room == nil {
		return ParticipationNone
	}
	patient := p.PatientID != "" && p.PatientID == room.PatientID
	professional := p.ProfessionalID != "" && p.ProfessionalID == room.ProfessionalID
	switch {
	case patient && professional:
		return AsBoth
	case patient:
		return AsPatient
	case professional:
		return AsProfessional
	default:
		return ParticipationNone
	}
}

type Message struct {
	ID         uuid.UUID `json:"id"`
	RoomID     uuid.UUID `json:"room_id"`
	SenderRole Role      `json:"sender_role"`
	SenderID   string    `json:"sender_id"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	Read       bool      `json:"read"`
}

// RoomView is a room as seen by one principal, with unread counts for each
// side the principal holds.
type RoomView struct {
	*Room
	Unread map[Role]int `json:"unread"`
}

// ---------------------------------------------------------------------------
// Wire frames
// ---------------------------------------------------------------------------

// InboundFrame is a client-to-server chat frame.
type InboundFrame struct {
	Content string `json:"content"`
	Role    string `json:"role,omitempty"`
}

type EnvelopeMessage struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	SenderRole Role   `json:"sender_role"`
	CreatedAt  string `json:"created_at"`
}

// Envelope is the broadcast form of a persisted message.
type Envelope struct {
	Message EnvelopeMessage `json:"message"`
}

func NewEnvelope(m *Message) Envelope {
	return Envelope{Message: EnvelopeMessage{
		ID:         m.ID.String(),
		Content:    m.Content,
		SenderRole: m.SenderRole,
		CreatedAt:  m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}}
}

type ErrorFrame struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}
