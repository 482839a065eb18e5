// Package roomkey derives the canonical room key of a conversation.
//
// The argument order is fixed by the conversation type: the parent/student
// side first, the professor side second, the subject third. Both clients of
// the same conversation therefore compute the same key.
package roomkey

import (
	"fmt"
	"strings"

	"schoolchat/pkg/types"
)

// Selection is the set of picker values a chat screen resolves into a key.
// Subject is empty for plain 1:1 conversations.
type Selection struct {
	Participant string `json:"participant" validate:"required,actorid"`
	Counterpart string `json:"counterpart" validate:"required,actorid"`
	Subject     string `json:"subject,omitempty" validate:"omitempty,actorid"`
}

// Resolve returns participant-counterpart-subject. It fails with
// types.ErrInvalidSelection when any input is missing or not a valid id.
func Resolve(participant, counterpart, subject string) (types.RoomKey, error) {
	if err := check(participant, counterpart, subject); err != nil {
		return "", err
	}
	return join(participant, counterpart, subject), nil
}

// ResolvePair returns participant-counterpart for a chat without subject.
func ResolvePair(participant, counterpart string) (types.RoomKey, error) {
	if err := check(participant, counterpart); err != nil {
		return "", err
	}
	return join(participant, counterpart), nil
}

// Key resolves a Selection, using ResolvePair when no subject is set.
func (s Selection) Key() (types.RoomKey, error) {
	if s.Subject == "" {
		return ResolvePair(s.Participant, s.Counterpart)
	}
	return Resolve(s.Participant, s.Counterpart, s.Subject)
}

// Complete reports whether every required input is set.
func (s Selection) Complete() bool {
	return types.Validator().Struct(s) == nil
}

// Parse splits a key back into its selection.
func Parse(key types.RoomKey) (Selection, error) {
	if !types.IsValidRoomKey(key) {
		return Selection{}, fmt.Errorf("%w: %q", types.ErrInvalidRoomKey, key)
	}
	parts := strings.Split(string(key), types.RoomKeySeparator)
	sel := Selection{Participant: parts[0], Counterpart: parts[1]}
	if len(parts) == 3 {
		sel.Subject = parts[2]
	}
	return sel, nil
}

// FilterRooms keeps the keys whose counterpart and subject match. Empty
// filter values match anything. Malformed keys are skipped.
func FilterRooms(rooms []types.RoomKey, counterpart, subject string) []types.RoomKey {
	out := make([]types.RoomKey, 0, len(rooms))
	for _, room := range rooms {
		sel, err := Parse(room)
		if err != nil {
			continue
		}
		if counterpart != "" && sel.Counterpart != counterpart {
			continue
		}
		if subject != "" && sel.Subject != subject {
			continue
		}
		out = append(out, room)
	}
	return out
}

func check(ids ...string) error {
	for i, id := range ids {
		if id == "" {
			return fmt.Errorf("%w: input %d is missing", types.ErrInvalidSelection, i+1)
		}
		if !types.IsValidActorID(id) {
			return fmt.Errorf("%w: input %d %q is not a valid id", types.ErrInvalidSelection, i+1, id)
		}
	}
	return nil
}

func join(ids ...string) types.RoomKey {
	return types.RoomKey(strings.Join(ids, types.RoomKeySeparator))
}
