package types

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const maxContentLength = 4096

var actorIDRegex = regexp.MustCompile(`^[^\s-]{1,64}$`)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the shared validator with the chat-specific tags
// ("actorid", "roomkey") registered.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("actorid", func(fl validator.FieldLevel) bool {
			return IsValidActorID(fl.Field().String())
		})
		_ = validate.RegisterValidation("roomkey", func(fl validator.FieldLevel) bool {
			return IsValidRoomKey(RoomKey(fl.Field().String()))
		})
	})
	return validate
}

// IsValidActorID checks an id can take part in a RoomKey.
func IsValidActorID(id string) bool {
	return actorIDRegex.MatchString(id)
}

// IsValidRoomKey checks a key has two or three valid ids.
func IsValidRoomKey(key RoomKey) bool {
	parts := strings.Split(string(key), RoomKeySeparator)
	if len(parts) < 2 || len(parts) > 3 {
		return false
	}
	for _, p := range parts {
		if !IsValidActorID(p) {
			return false
		}
	}
	return true
}

// Validate checks a message before it is sent or stored.
func (m *Message) Validate() error {
	if strings.TrimSpace(m.Content) == "" {
		return ErrEmptyContent
	}
	if utf8.RuneCountInString(m.Content) > maxContentLength {
		return ErrContentTooLarge
	}
	return structError(Validator().Struct(m))
}

// Validate checks an outbound sendMessage body.
func (p *SendMessagePayload) Validate() error {
	if strings.TrimSpace(p.Content) == "" {
		return ErrEmptyContent
	}
	if utf8.RuneCountInString(p.Content) > maxContentLength {
		return ErrContentTooLarge
	}
	return structError(Validator().Struct(p))
}

// Validate checks a room-scoped request body.
func (p *RoomPayload) Validate() error {
	if !IsValidRoomKey(p.Room) {
		return fmt.Errorf("%w: %q", ErrInvalidRoomKey, p.Room)
	}
	return nil
}

func structError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		switch fe.Tag() {
		case "roomkey":
			return fmt.Errorf("%w: %q", ErrInvalidRoomKey, fe.Value())
		case "actorid":
			return fmt.Errorf("%w: %s=%q", ErrInvalidActorID, fe.Field(), fe.Value())
		}
		return fmt.Errorf("%w: %s failed %s", ErrInvalidMessage, fe.Field(), fe.Tag())
	}
	return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
}
