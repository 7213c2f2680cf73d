package mbox

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/dumprecover/model"
)

const subjectLimit = 78

type Options struct {
	Path string
	// Domain is appended to sender ids and message ids to form addresses.
	Domain string
}

// Archive writes recovered messages as RFC 5322 messages into an mbox file.
type Archive struct {
	writer *mboxlib.Writer
	closer io.Closer
	domain string
	count  int
}

func Create(opts Options) (*Archive, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	archive := NewArchive(file, opts.Domain)
	archive.closer = file
	return archive, nil
}

func NewArchive(w io.Writer, domain string) *Archive {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		domain = "localhost"
	}
	return &Archive{writer: mboxlib.NewWriter(w), domain: domain}
}

func (a *Archive) Write(msg model.Message) error {
	from := a.address(msg.SenderID)
	w, err := a.writer.CreateMessage(from, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("mbox message %s: %w", msg.ID, err)
	}

	body, err := mail.CreateSingleInlineWriter(w, a.Header(msg))
	if err != nil {
		return fmt.Errorf("mbox message %s header: %w", msg.ID, err)
	}
	if _, err := io.WriteString(body, Body(msg)); err != nil {
		_ = body.Close()
		return fmt.Errorf("mbox message %s body: %w", msg.ID, err)
	}
	if err := body.Close(); err != nil {
		return fmt.Errorf("mbox message %s body: %w", msg.ID, err)
	}

	a.count++
	return nil
}

// Count is the number of messages written so far.
func (a *Archive) Count() int {
	return a.count
}

func (a *Archive) Close() error {
	err := a.writer.Close()
	if a.closer != nil {
		err = errors.Join(err, a.closer.Close())
	}
	if err != nil {
		return fmt.Errorf("close mbox: %w", err)
	}
	return nil
}

// Header builds the mail header of msg.
func (a *Archive) Header(msg model.Message) mail.Header {
	var h mail.Header
	h.SetDate(msg.Timestamp)
	h.SetSubject(Subject(msg.Text))
	h.SetAddressList("From", []*mail.Address{{Name: msg.SenderName, Address: a.address(msg.SenderID)}})
	h.SetMessageID(localPart(msg.ID) + "@" + a.domain)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("X-Dumprecover-Type", msg.Type)
	h.Set("X-Dumprecover-Sender-Id", msg.SenderID)
	return h
}

func (a *Archive) address(senderID string) string {
	return localPart(senderID) + "@" + a.domain
}

// Subject is the first line of text, shortened to fit a header line.
func Subject(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return "(no text)"
	}
	if utf8.RuneCountInString(line) <= subjectLimit {
		return line
	}
	runes := []rune(line)
	return string(runes[:subjectLimit-3]) + "..."
}

// Body renders the message text followed by one line per attachment.
func Body(msg model.Message) string {
	var sb strings.Builder
	sb.WriteString(msg.Text)
	if !strings.HasSuffix(msg.Text, "\n") {
		sb.WriteString("\n")
	}
	if len(msg.Attachments) == 0 {
		return sb.String()
	}

	sb.WriteString("\nAttachments:\n")
	for _, att := range msg.Attachments {
		fmt.Fprintf(&sb, "- %s (%s, %dx%d, %d bytes, id %s)\n",
			att.Name, att.Metadata.ContentType, att.Metadata.Width, att.Metadata.Height, att.Size, att.ID)
	}
	return sb.String()
}

func localPart(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == '.' || r == '_' || r == '-' || r == '+':
			sb.WriteRune(r)
		default:
			sb.WriteRune('-')
		}
	}
	if sb.Len() == 0 {
		return "unknown"
	}
	return sb.String()
}
