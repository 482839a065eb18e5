package interfaces

import (
	"context"

	"schoolchat/pkg/types"
)

// Student as listed by the school REST backend.
type Student struct {
	ID    types.ActorID `json:"id"`
	Name  string        `json:"name"`
	Email string        `json:"email,omitempty"`
	Level types.ActorID `json:"level"`
}

// Professor as listed by the school REST backend.
type Professor struct {
	ID   types.ActorID `json:"id"`
	Name string        `json:"name"`
}

// Subject is a course taught by one professor at one level.
type Subject struct {
	ID        types.ActorID `json:"id_subject"`
	Name      string        `json:"name"`
	Level     types.ActorID `json:"level"`
	Professor *Professor    `json:"professor,omitempty"`
}

// Directory supplies the actor lists a screen uses to build a room
// selection. Sessions only ever see the resolved ids.
type Directory interface {
	Students(ctx context.Context) ([]Student, error)
	Subjects(ctx context.Context) ([]Subject, error)
	Professor(ctx context.Context, token string) (*Professor, error)
	Children(ctx context.Context, token string) ([]Student, error)
}
