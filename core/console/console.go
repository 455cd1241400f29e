// Package console is a line-oriented channel over stdin and stdout for
// trying scenarios locally.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/m3rciful/regbot/core/channel"
	"github.com/m3rciful/regbot/core/logger"
)

// DefaultUserID identifies the single console user.
const DefaultUserID = "console"

// Channel reads one message per input line and prints replies.
type Channel struct {
	in     io.Reader
	out    io.Writer
	userID string
	dir    string
	prompt string

	maxLine int

	startOnce   sync.Once
	lines       chan string
	readErr     error
	errReported bool

	mu sync.Mutex
}

// Option configures a Channel.
type Option func(*Channel)

// WithUserID overrides the user id attached to every event.
func WithUserID(id string) Option {
	return func(c *Channel) {
		if id != "" {
			c.userID = id
		}
	}
}

// WithAttachmentDir saves attachments into dir instead of only announcing them.
func WithAttachmentDir(dir string) Option {
	return func(c *Channel) { c.dir = dir }
}

// DefaultMaxLineBytes bounds one input line; longer lines are skipped.
const DefaultMaxLineBytes = 64 << 10

// WithMaxLineBytes overrides DefaultMaxLineBytes.
func WithMaxLineBytes(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.maxLine = n
		}
	}
}

// WithPrompt prefixes bot replies.
func WithPrompt(prompt string) Option {
	return func(c *Channel) { c.prompt = prompt }
}

// New builds a console channel.
func New(in io.Reader, out io.Writer, opts ...Option) *Channel {
	c := &Channel{
		in:      in,
		out:     out,
		userID:  DefaultUserID,
		prompt:  "bot> ",
		maxLine: DefaultMaxLineBytes,
		lines:   make(chan string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) Name() string { return "console" }

func (c *Channel) start() {
	go func() {
		defer close(c.lines)
		r := bufio.NewReaderSize(c.in, 4096)
		for {
			line, err := readLine(r, c.maxLine)
			switch {
			case errors.Is(err, errLineTooLong):
				logger.Warn(context.Background(), logger.CompConsole, "line.skipped",
					slog.String("status", "skip"),
					slog.Int("max_bytes", c.maxLine),
				)
				continue
			case err != nil && !errors.Is(err, io.EOF):
				c.readErr = err
				return
			}
			if line != "" || err == nil {
				c.lines <- line
			}
			if err != nil {
				return
			}
		}
	}()
}

var errLineTooLong = errors.New("console: line too long")

// readLine returns the next line without its terminator. A line over limit
// bytes is consumed up to its newline and reported as errLineTooLong.
func readLine(r *bufio.Reader, limit int) (string, error) {
	var buf []byte
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			n := len(buf) + len(chunk)
			if len(chunk) > 0 && chunk[len(chunk)-1] == '\n' {
				n--
			}
			if n > limit {
				tooLong, buf = true, nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if tooLong {
			return "", errLineTooLong
		}
		line := strings.TrimSuffix(string(buf), "\n")
		return strings.TrimSuffix(line, "\r"), err
	}
}

// Receive returns the next non-blank input line as a message_new event. The
// line is passed on verbatim. A read failure is reported once; after it the
// channel is closed.
func (c *Channel) Receive(ctx context.Context) (channel.Event, error) {
	c.startOnce.Do(c.start)
	for {
		select {
		case <-ctx.Done():
			return channel.Event{}, ctx.Err()
		case line, ok := <-c.lines:
			if !ok {
				if c.readErr != nil && !c.errReported {
					c.errReported = true
					return channel.Event{}, fmt.Errorf("console: read: %w", c.readErr)
				}
				return channel.Event{}, channel.ErrClosed
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			return channel.Event{Type: channel.EventMessageNew, UserID: c.userID, Text: line}, nil
		}
	}
}

// Send prints a text reply or reports an attachment.
func (c *Channel) Send(ctx context.Context, msg channel.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Kind {
	case channel.KindText:
		_, err := fmt.Fprintf(c.out, "%s%s\n", c.prompt, msg.Body)
		return err
	case channel.KindAttachment:
		if c.dir == "" {
			_, err := fmt.Fprintf(c.out, "%s[attachment %s, %d bytes]\n", c.prompt, msg.MimeType, len(msg.Data))
			return err
		}
		path, err := c.save(msg)
		if err != nil {
			return err
		}
		logger.Debug(ctx, logger.CompConsole, "attachment.saved", slog.String("path", path))
		_, err = fmt.Fprintf(c.out, "%s[attachment saved to %s]\n", c.prompt, path)
		return err
	default:
		return fmt.Errorf("console: unsupported message kind %q", msg.Kind)
	}
}

func (c *Channel) save(msg channel.Outbound) (string, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("console: attachment dir: %w", err)
	}
	ext := ".bin"
	if exts, _ := mime.ExtensionsByType(msg.MimeType); len(exts) > 0 {
		ext = exts[0]
	}
	path := filepath.Join(c.dir, msg.UserID+"-"+uuid.NewString()+ext)
	if err := os.WriteFile(path, msg.Data, 0o644); err != nil {
		return "", fmt.Errorf("console: write attachment: %w", err)
	}
	return path, nil
}
