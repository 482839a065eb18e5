package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolchat/internal/directory"
	"schoolchat/internal/roomkey"
	"schoolchat/internal/session"
	"schoolchat/pkg/interfaces"
	"schoolchat/pkg/types"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want command
	}{
		{"hola profe", command{text: "hola profe"}},
		{"  spaced  ", command{text: "spaced"}},
		{"/select 42 7 3", command{name: "select", args: []string{"42", "7", "3"}}},
		{"/ROOMS", command{name: "rooms", args: []string{}}},
		{"/", command{name: "help"}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, parseCommand(tt.line))
		})
	}
}

func confirmed(id, content string) types.Message {
	return types.Message{ID: id, Content: content, Sender: "42", Room: "42-7-3", CreatedAt: time.Now(), Status: types.StatusConfirmed}
}

func TestConsole_RendersDifferences(t *testing.T) {
	var out bytes.Buffer
	c := newConsole(&out)

	snap := session.Snapshot{Room: "42-7-3", Epoch: 1, Connection: session.Connecting}
	c.render(snap)
	assert.Contains(t, out.String(), "== room 42-7-3 ==")
	assert.Contains(t, out.String(), "-- connecting --")

	out.Reset()
	snap.Connection = session.Joined
	snap.Messages = []types.Message{
		confirmed("a", "hola"),
		{LocalID: "l1", Content: "pending", Sender: "42", Status: types.StatusPending},
	}
	c.render(snap)
	assert.Contains(t, out.String(), "-- joined --")
	assert.Contains(t, out.String(), "42: hola")
	assert.NotContains(t, out.String(), "pending")

	out.Reset()
	c.render(snap)
	assert.Empty(t, out.String(), "nothing changed")

	snap.Messages = append(snap.Messages[:1], confirmed("b", "pending"),
		types.Message{LocalID: "l2", Content: "lost", Sender: "42", Status: types.StatusFailed})
	snap.Stale = []types.Message{{LocalID: "l3", Content: "slow", Sender: "42", Status: types.StatusPending}}
	snap.Err = errors.New("send failed")
	c.render(snap)
	assert.Contains(t, out.String(), "42: pending")
	assert.Contains(t, out.String(), "! not sent: lost")
	assert.Contains(t, out.String(), "? still sending: slow")
	assert.Contains(t, out.String(), "error: send failed")
	assert.NotContains(t, out.String(), "hola")

	out.Reset()
	c.render(snap)
	assert.Empty(t, out.String(), "same error is printed once")

	snap.Rooms = []types.RoomKey{"42-7-3", "42-8-3"}
	c.render(snap)
	assert.Contains(t, out.String(), "rooms: 42-7-3, 42-8-3")
}

func TestConsole_RoomSwitchResets(t *testing.T) {
	var out bytes.Buffer
	c := newConsole(&out)

	c.render(session.Snapshot{Room: "42-7-3", Epoch: 1, Messages: []types.Message{confirmed("a", "uno")}})
	out.Reset()

	c.render(session.Snapshot{Epoch: 2})
	assert.Contains(t, out.String(), "== left 42-7-3 ==")

	out.Reset()
	c.render(session.Snapshot{Room: "42-7-3", Epoch: 3, Messages: []types.Message{confirmed("a", "uno")}})
	assert.Contains(t, out.String(), "42: uno", "a new epoch prints the history again")
}

type fakeDirectory struct {
	students []interfaces.Student
	subjects []interfaces.Subject
}

func (d *fakeDirectory) Students(ctx context.Context) ([]interfaces.Student, error) {
	return d.students, nil
}

func (d *fakeDirectory) Subjects(ctx context.Context) ([]interfaces.Subject, error) {
	return d.subjects, nil
}

func (d *fakeDirectory) Professor(ctx context.Context, token string) (*interfaces.Professor, error) {
	return nil, errors.New("not used")
}

func (d *fakeDirectory) Children(ctx context.Context, token string) ([]interfaces.Student, error) {
	return d.students, nil
}

func TestClient_LookupSelection(t *testing.T) {
	dir := &fakeDirectory{
		students: []interfaces.Student{{ID: "42", Name: "Ana", Level: "1"}},
		subjects: []interfaces.Subject{
			{ID: "3", Name: "Math", Level: "1", Professor: &interfaces.Professor{ID: "7", Name: "Rojas"}},
			{ID: "4", Name: "Art", Level: "1"},
		},
	}
	c := &client{directory: dir, console: newConsole(&bytes.Buffer{})}
	ctx := context.Background()

	sel, err := c.lookupSelection(ctx, "42", "3")
	require.NoError(t, err)
	assert.Equal(t, roomkey.Selection{Participant: "42", Counterpart: "7", Subject: "3"}, sel)

	_, err = c.lookupSelection(ctx, "42", "4")
	assert.ErrorIs(t, err, directory.ErrNoProfessor)

	_, err = c.lookupSelection(ctx, "99", "3")
	assert.Error(t, err)
	_, err = c.lookupSelection(ctx, "42", "99")
	assert.Error(t, err)
}

func TestClient_HandleDirectoryCommands(t *testing.T) {
	var out bytes.Buffer
	dir := &fakeDirectory{
		students: []interfaces.Student{{ID: "42", Name: "Ana", Level: "1"}},
		subjects: []interfaces.Subject{
			{ID: "3", Name: "Math", Level: "1", Professor: &interfaces.Professor{ID: "7", Name: "Rojas"}},
			{ID: "5", Name: "Physics", Level: "2"},
		},
	}
	c := &client{directory: dir, console: newConsole(&out)}
	ctx := context.Background()

	require.NoError(t, c.handle(ctx, parseCommand("/children tok")))
	assert.Contains(t, out.String(), "42  Ana (level 1)")

	out.Reset()
	require.NoError(t, c.handle(ctx, parseCommand("/subjects 1")))
	assert.Contains(t, out.String(), "Math (level 1, Rojas)")
	assert.NotContains(t, out.String(), "Physics")

	assert.ErrorIs(t, c.handle(ctx, parseCommand("/quit")), errQuit)
	assert.Error(t, c.handle(ctx, parseCommand("/select 42")))
	assert.Error(t, c.handle(ctx, parseCommand("/dance")))
	assert.NoError(t, c.handle(ctx, parseCommand("   ")))
}
