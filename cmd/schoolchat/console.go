package main

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"schoolchat/internal/session"
	"schoolchat/pkg/types"
)

// command is one line of user input. Lines starting with "/" are commands,
// everything else is message text.
type command struct {
	name string
	args []string
	text string
}

func parseCommand(line string) command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{text: line}
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return command{name: "help"}
	}
	return command{name: strings.ToLower(fields[0]), args: fields[1:]}
}

const helpText = `commands:
  /select <participant> <counterpart> [subject]  open a room
  /chat <student> <subject>                      open the room with the subject's professor
  /children <token>                              list a parent's children
  /subjects [level]                              list subjects
  /rooms [counterpart] [subject]                 list known rooms
  /refresh                                       reload history
  /leave                                         leave the room
  /quit
anything else is sent to the current room`

// console prints the difference between successive session snapshots.
type console struct {
	out   io.Writer
	epoch uint64
	room  types.RoomKey
	conn  session.ConnectionState
	seen  map[string]struct{}
	stale map[string]struct{}
	rooms []types.RoomKey
	err   string
}

func newConsole(out io.Writer) *console {
	return &console{
		out:   out,
		seen:  make(map[string]struct{}),
		stale: make(map[string]struct{}),
	}
}

func (c *console) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *console) render(snap session.Snapshot) {
	if snap.Epoch != c.epoch || snap.Room != c.room {
		switch {
		case snap.Room != "":
			c.printf("== room %s ==", snap.Room)
		case c.room != "":
			c.printf("== left %s ==", c.room)
		}
		c.epoch, c.room = snap.Epoch, snap.Room
		c.seen = make(map[string]struct{})
		c.stale = make(map[string]struct{})
	}

	if snap.Connection != c.conn {
		c.printf("-- %s --", snap.Connection)
		c.conn = snap.Connection
	}

	for _, m := range snap.Messages {
		if m.LocalID != "" {
			// pending entries are shown once their echo confirms them
			if m.Status == types.StatusFailed && c.mark("failed:"+m.LocalID) {
				c.printf("! not sent: %s", m.Content)
			}
			continue
		}
		if c.mark(messageKey(m)) {
			c.printf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), m.Sender, m.Content)
		}
	}

	for _, m := range snap.Stale {
		if _, ok := c.stale[m.LocalID]; !ok {
			c.stale[m.LocalID] = struct{}{}
			c.printf("? still sending: %s", m.Content)
		}
	}

	if snap.Rooms != nil && !slices.Equal(snap.Rooms, c.rooms) {
		c.rooms = slices.Clone(snap.Rooms)
		if len(c.rooms) == 0 {
			c.printf("rooms: none")
		} else {
			names := make([]string, len(c.rooms))
			for i, r := range c.rooms {
				names[i] = r.String()
			}
			c.printf("rooms: %s", strings.Join(names, ", "))
		}
	}

	errText := ""
	if snap.Err != nil {
		errText = snap.Err.Error()
	}
	if errText != "" && errText != c.err {
		c.printf("error: %s", errText)
	}
	c.err = errText
}

// mark records key and reports whether it was new.
func (c *console) mark(key string) bool {
	if _, ok := c.seen[key]; ok {
		return false
	}
	c.seen[key] = struct{}{}
	return true
}

func messageKey(m types.Message) string {
	if m.ID != "" {
		return m.ID
	}
	return fmt.Sprintf("%s|%d|%s", m.Sender, m.CreatedAt.UnixNano(), m.Content)
}
