package chat

import (
	"strings"

	"github.com/carechat/carechat/internal/platform/auth"
)

// ParseHint normalizes a role hint. An empty hint is reported as absent;
// "provider" is an alias for "professional". Matching ignores case and
// surrounding whitespace.
func ParseHint(raw string) (role Role, present bool, err error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return "", false, nil
	case "patient":
		return RolePatient, true, nil
	case "professional", "provider":
		return RoleProfessional, true, nil
	default:
		return "", true, ErrInvalidHint
	}
}

// ResolveSender decides which side of room the principal is speaking for.
//
//	none            any hint                -> ErrNotParticipant
//	as-patient      absent | patient        -> patient
//	as-patient      professional            -> ErrRoleMismatch
//	as-professional absent | professional   -> professional
//	as-professional patient                 -> ErrRoleMismatch
//	as-both         absent                  -> ErrAmbiguousRole
//	as-both         patient | professional  -> that role
//	any member      unrecognized hint       -> ErrInvalidHint
func ResolveSender(p auth.Principal, room *Room, hint string) (Role, string, error) {
	part := ParticipationOf(p, room)
	if part == ParticipationNone {
		return "", "", ErrNotParticipant
	}

	role, present, err := ParseHint(hint)
	if err != nil {
		return "", "", err
	}

	switch part {
	case AsPatient:
		if present && role != RolePatient {
			return "", "", ErrRoleMismatch
		}
		return RolePatient, p.PatientID, nil
	case AsProfessional:
		if present && role != RoleProfessional {
			return "", "", ErrRoleMismatch
		}
		return RoleProfessional, p.ProfessionalID, nil
	default:
		if !present {
			return "", "", ErrAmbiguousRole
		}
		if role == RolePatient {
			return RolePatient, p.PatientID, nil
		}
		return RoleProfessional, p.ProfessionalID, nil
	}
}

// ResolveReader applies the same table to decide which side is marking
// messages as read.
func ResolveReader(p auth.Principal, room *Room, hint string) (Role, error) {
	role, _, err := ResolveSender(p, room, hint)
	return role, err
}
