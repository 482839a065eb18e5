// Command schoolchat is a terminal chat client. It binds one room session
// to stdin and stdout over the shared relay connection.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"schoolchat/internal/config"
	"schoolchat/internal/directory"
	"schoolchat/internal/logging"
	"schoolchat/internal/roomkey"
	"schoolchat/internal/session"
	"schoolchat/internal/transport"
	"schoolchat/pkg/interfaces"
	"schoolchat/pkg/types"
)

var errQuit = errors.New("quit")

func main() {
	var (
		configPath  = flag.String("config", os.Getenv("SCHOOLCHAT_CONFIG_FILE"), "JSON config file layered over the environment")
		side        = flag.String("side", "participant", "which selection id is you: participant or counterpart")
		participant = flag.String("participant", "", "parent or student id of the room to open")
		counterpart = flag.String("counterpart", "", "professor id of the room to open")
		subject     = flag.String("subject", "", "subject id of the room to open")
	)
	flag.Parse()

	var s session.Side
	switch *side {
	case "participant":
		s = session.ParticipantSide
	case "counterpart":
		s = session.CounterpartSide
	default:
		fmt.Fprintf(os.Stderr, "unknown side %q\n", *side)
		os.Exit(2)
	}

	initial := roomkey.Selection{Participant: *participant, Counterpart: *counterpart, Subject: *subject}
	if err := run(*configPath, s, initial, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type client struct {
	session   *session.Session
	directory interfaces.Directory
	console   *console
}

func run(configPath string, side session.Side, initial roomkey.Selection, in io.Reader, out io.Writer) error {
	cfg, cfgErr := config.LoadConfigWithPrecedence(configPath)
	logger := logging.New(cfg.Env, cfg.LogLevel, os.Stderr)
	if cfgErr != nil {
		logger.Warn().Err(cfgErr).Str("path", configPath).Msg("config file ignored")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := transport.DefaultConfig(cfg.Client.RelayURL)
	tcfg.ReconnectBase = cfg.Client.ReconnectBase
	tcfg.ReconnectMax = cfg.Client.ReconnectMax
	t, err := transport.New(tcfg, nil, logger)
	if err != nil {
		return err
	}
	defer t.Close()

	if err := t.Connect(ctx); err != nil {
		logger.Warn().Err(err).Str("url", cfg.Client.RelayURL).Msg("relay unreachable, retrying in the background")
	}

	sess := session.New(t, side, logger, session.Options{
		HistoryTimeout: cfg.Client.HistoryTimeout,
		ConfirmWindow:  cfg.Client.ConfirmWindow,
		StaleAfter:     cfg.Client.StaleAfter,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sess.Close(closeCtx)
	}()

	c := &client{
		session:   sess,
		directory: directory.NewClient(cfg.Client.DirectoryURL, 10*time.Second, logger),
		console:   newConsole(out),
	}
	if initial.Participant != "" || initial.Counterpart != "" {
		if err := sess.Select(ctx, initial); err != nil {
			c.console.printf("error: %v", err)
		}
	} else {
		c.console.printf("%s", helpText)
	}

	return c.loop(ctx, in, logger)
}

func (c *client) loop(ctx context.Context, in io.Reader, logger zerolog.Logger) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-c.session.Changes():
			if !ok {
				return nil
			}
			c.console.render(c.session.Snapshot())
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := c.handle(ctx, parseCommand(line)); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				logger.Debug().Err(err).Str("line", line).Msg("command failed")
				c.console.printf("error: %v", err)
			}
		}
	}
}

func (c *client) handle(ctx context.Context, cmd command) error {
	switch cmd.name {
	case "":
		if cmd.text == "" {
			return nil
		}
		_, err := c.session.Send(ctx, cmd.text)
		return err
	case "select":
		if len(cmd.args) < 2 || len(cmd.args) > 3 {
			return errors.New("usage: /select <participant> <counterpart> [subject]")
		}
		sel := roomkey.Selection{Participant: cmd.args[0], Counterpart: cmd.args[1]}
		if len(cmd.args) == 3 {
			sel.Subject = cmd.args[2]
		}
		return c.session.Select(ctx, sel)
	case "chat":
		if len(cmd.args) != 2 {
			return errors.New("usage: /chat <student> <subject>")
		}
		sel, err := c.lookupSelection(ctx, cmd.args[0], cmd.args[1])
		if err != nil {
			return err
		}
		return c.session.Select(ctx, sel)
	case "children":
		if len(cmd.args) != 1 {
			return errors.New("usage: /children <token>")
		}
		children, err := c.directory.Children(ctx, cmd.args[0])
		if err != nil {
			return err
		}
		for _, s := range children {
			c.console.printf("  %s  %s (level %s)", s.ID, s.Name, s.Level)
		}
		return nil
	case "subjects":
		subjects, err := c.directory.Subjects(ctx)
		if err != nil {
			return err
		}
		if len(cmd.args) > 0 {
			subjects = directory.SubjectsForLevel(subjects, types.ActorID(cmd.args[0]))
		}
		for _, s := range subjects {
			prof := "-"
			if s.Professor != nil {
				prof = s.Professor.Name
			}
			c.console.printf("  %s  %s (level %s, %s)", s.ID, s.Name, s.Level, prof)
		}
		return nil
	case "rooms":
		var counterpart, subject string
		if len(cmd.args) > 0 {
			counterpart = cmd.args[0]
		}
		if len(cmd.args) > 1 {
			subject = cmd.args[1]
		}
		return c.session.RequestRooms(ctx, counterpart, subject)
	case "refresh":
		return c.session.Refresh(ctx)
	case "leave":
		return c.session.Leave(ctx)
	case "quit", "exit":
		return errQuit
	case "help":
		c.console.printf("%s", helpText)
		return nil
	}
	return fmt.Errorf("unknown command /%s", cmd.name)
}

func (c *client) lookupSelection(ctx context.Context, studentID, subjectID string) (roomkey.Selection, error) {
	students, err := c.directory.Students(ctx)
	if err != nil {
		return roomkey.Selection{}, err
	}
	subjects, err := c.directory.Subjects(ctx)
	if err != nil {
		return roomkey.Selection{}, err
	}

	var student *interfaces.Student
	for i := range students {
		if students[i].ID.String() == studentID {
			student = &students[i]
			break
		}
	}
	if student == nil {
		return roomkey.Selection{}, fmt.Errorf("student %s not found", studentID)
	}
	for _, s := range subjects {
		if s.ID.String() == subjectID {
			return directory.SelectionFor(*student, s)
		}
	}
	return roomkey.Selection{}, fmt.Errorf("subject %s not found", subjectID)
}
