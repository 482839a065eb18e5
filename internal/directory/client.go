// Package directory is a client for the school REST backend that lists
// students, subjects and professors. Chat screens use it to fill their
// pickers; the ids it returns are what roomkey resolves into room keys.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"schoolchat/internal/roomkey"
	"schoolchat/pkg/interfaces"
	"schoolchat/pkg/types"
)

// Client implements interfaces.Directory over HTTP.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	logger     zerolog.Logger
}

var _ interfaces.Directory = (*Client)(nil)

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "directory").Logger(),
	}
}

// Students lists every student.
func (c *Client) Students(ctx context.Context) ([]interfaces.Student, error) {
	var out []interfaces.Student
	if err := c.get(ctx, "/student", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Subjects lists every subject with its professor.
func (c *Client) Subjects(ctx context.Context) ([]interfaces.Subject, error) {
	var out []interfaces.Subject
	if err := c.get(ctx, "/subject", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Professor returns the professor owning token.
func (c *Client) Professor(ctx context.Context, token string) (*interfaces.Professor, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	var out interfaces.Professor
	if err := c.get(ctx, "/professor/"+url.PathEscape(token), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Children lists the students of the parent owning token.
func (c *Client) Children(ctx context.Context, token string) ([]interfaces.Student, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	var out []interfaces.Student
	if err := c.get(ctx, "/parent/get-students/"+url.PathEscape(token), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: GET %s: %v", ErrRequestFailed, redact(path), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading GET %s: %v", ErrRequestFailed, redact(path), err)
	}
	c.logger.Debug().
		Str("path", redact(path)).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("directory request")

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, redact(path))
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &errResp)
		reason := errResp.Error
		if reason == "" {
			reason = errResp.Message
		}
		return fmt.Errorf("%w: GET %s returned %d: %s", ErrRequestFailed, redact(path), resp.StatusCode, reason)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decoding GET %s: %v", ErrRequestFailed, redact(path), err)
	}
	return nil
}

// redact keeps access tokens out of logs and errors.
func redact(path string) string {
	for _, prefix := range []string{"/professor/", "/parent/get-students/"} {
		if strings.HasPrefix(path, prefix) {
			return prefix + "***"
		}
	}
	return path
}

// SubjectsForLevel keeps the subjects taught at level. The parent screen
// offers these once a child is picked.
func SubjectsForLevel(subjects []interfaces.Subject, level types.ActorID) []interfaces.Subject {
	var out []interfaces.Subject
	for _, s := range subjects {
		if s.Level == level {
			out = append(out, s)
		}
	}
	return out
}

// SubjectsForProfessor keeps the subjects taught by professorID.
func SubjectsForProfessor(subjects []interfaces.Subject, professorID types.ActorID) []interfaces.Subject {
	var out []interfaces.Subject
	for _, s := range subjects {
		if s.Professor != nil && s.Professor.ID == professorID {
			out = append(out, s)
		}
	}
	return out
}

// SelectionFor builds the room selection of student talking to the
// professor of subject.
func SelectionFor(student interfaces.Student, subject interfaces.Subject) (roomkey.Selection, error) {
	if subject.Professor == nil || subject.Professor.ID == "" {
		return roomkey.Selection{}, fmt.Errorf("%w: subject %s", ErrNoProfessor, subject.ID)
	}
	return roomkey.Selection{
		Participant: student.ID.String(),
		Counterpart: subject.Professor.ID.String(),
		Subject:     subject.ID.String(),
	}, nil
}
