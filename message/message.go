// Package message holds the normalized representation of an email and its
// conversion to and from the RFC 5322 wire form.
//
// A Message is built either from fields (New) or from a fetched payload
// (Parse). Either way every field is populated and the encoded form is
// available through Bytes. Messages are immutable once constructed.
package message

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"
	"github.com/migadu/mailbot/consts"
	"github.com/migadu/mailbot/helpers"
	"github.com/migadu/mailbot/logger"
)

const defaultAttachmentType = "application/octet-stream"

// Message is an email with its decoded fields and encoded form.
type Message struct {
	sender         string
	receiver       string
	cc             string
	subject        string
	body           string
	attachmentPath string

	header      mail.Header
	attachments []string
	raw         []byte
}

// New builds a message from fields and encodes it. The body is sent as
// UTF-8 plain text. An attachment that cannot be read is logged and left
// out; the message is still created.
func New(sender, receiver, cc, subject, body, attachmentPath string) (*Message, error) {
	m := &Message{
		sender:   headerValue(sender),
		receiver: headerValue(receiver),
		cc:       headerValue(cc),
		subject:  headerValue(subject),
		body:     body,
	}

	var h mail.Header
	h.SetDate(time.Now())
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("failed to generate Message-Id: %w", err)
	}
	h.Set("MIME-Version", "1.0")
	h.SetText("From", m.sender)
	h.SetText("To", m.receiver)
	if m.cc != "" {
		h.SetText("Cc", m.cc)
	}
	h.SetSubject(m.subject)

	var attachment []byte
	if attachmentPath != "" {
		data, err := os.ReadFile(attachmentPath)
		if err != nil {
			logger.Warn("Message: attachment omitted", "path", attachmentPath, "error", err)
		} else {
			attachment = data
			m.attachmentPath = attachmentPath
			m.attachments = []string{filepath.Base(attachmentPath)}
		}
	}

	var buf bytes.Buffer
	var err error
	if m.attachmentPath == "" {
		err = writeSinglePart(&buf, h, body)
	} else {
		err = writeWithAttachment(&buf, h, body, m.attachmentPath, attachment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	m.header = h
	m.raw = buf.Bytes()
	return m, nil
}

// headerValue drops CR and LF, which the header writer rejects.
func headerValue(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

func writeSinglePart(buf *bytes.Buffer, h mail.Header, body string) error {
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "base64")

	w, err := mail.CreateSingleInlineWriter(buf, h)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, body); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func writeWithAttachment(buf *bytes.Buffer, h mail.Header, body, path string, data []byte) error {
	mw, err := mail.CreateWriter(buf, h)
	if err != nil {
		return err
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return err
	}
	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	th.Set("Content-Transfer-Encoding", "base64")
	pw, err := iw.CreatePart(th)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return err
	}
	if err := pw.Close(); err != nil {
		return err
	}
	if err := iw.Close(); err != nil {
		return err
	}

	var ah mail.AttachmentHeader
	mediaType, params := attachmentType(path)
	ah.SetContentType(mediaType, params)
	ah.SetFilename(filepath.Base(path))
	ah.Set("Content-Transfer-Encoding", "base64")
	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return err
	}
	if _, err := aw.Write(data); err != nil {
		return err
	}
	if err := aw.Close(); err != nil {
		return err
	}
	return mw.Close()
}

func attachmentType(path string) (string, map[string]string) {
	t := mime.TypeByExtension(filepath.Ext(path))
	if t == "" {
		return defaultAttachmentType, nil
	}
	mediaType, params, err := mime.ParseMediaType(t)
	if err != nil {
		return defaultAttachmentType, nil
	}
	return mediaType, params
}

// Parse decodes a fetched payload. Headers with RFC 2047 encoded words are
// decoded; parts in an unknown charset are kept as sanitized raw bytes.
func Parse(raw []byte) (*Message, error) {
	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) && !gomessage.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}

	h := mail.Header{Header: entity.Header}
	m := &Message{
		sender:   headerText(h, "From"),
		receiver: headerText(h, "To"),
		cc:       headerText(h, "Cc"),
		subject:  headerText(h, "Subject"),
		header:   h,
		raw:      append([]byte(nil), raw...),
	}

	m.body = strings.Join(m.extractText(entity), "")
	return m, nil
}

func headerText(h mail.Header, key string) string {
	v, err := h.Text(key)
	if err != nil {
		return h.Get(key)
	}
	return v
}

// extractText returns the text content of an entity. Plain parts are used
// as they are and HTML is converted to text. Within multipart/alternative
// the plain part wins; other multiparts contribute every text part in order.
func (m *Message) extractText(e *gomessage.Entity) []string {
	mediaType, _, err := e.Header.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}

	if mr := e.MultipartReader(); mr != nil {
		var texts [][]string
		var plainIdx = -1
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil && !gomessage.IsUnknownCharset(err) && !gomessage.IsUnknownEncoding(err) {
				logger.Warn("Message: skipping undecodable part", "subject", m.subject, "error", err)
				break
			}
			partType, _, _ := part.Header.ContentType()
			if partType == "" || strings.EqualFold(partType, "text/plain") {
				if plainIdx < 0 {
					plainIdx = len(texts)
				}
			}
			texts = append(texts, m.extractText(part))
		}

		if strings.EqualFold(mediaType, "multipart/alternative") && plainIdx >= 0 {
			return texts[plainIdx]
		}
		if strings.EqualFold(mediaType, "multipart/alternative") && len(texts) > 0 {
			return texts[0]
		}
		var out []string
		for _, t := range texts {
			out = append(out, t...)
		}
		return out
	}

	disposition, params, _ := e.Header.ContentDisposition()
	if strings.EqualFold(disposition, "attachment") {
		name := params["filename"]
		if name == "" {
			_, ctParams, _ := e.Header.ContentType()
			name = ctParams["name"]
		}
		if name != "" {
			m.attachments = append(m.attachments, name)
		}
		return nil
	}

	switch strings.ToLower(mediaType) {
	case "text/plain", "text/html":
	default:
		return nil
	}

	data, err := io.ReadAll(e.Body)
	if err != nil {
		logger.Warn("Message: failed to decode body part", "subject", m.subject, "content_type", mediaType, "error", err)
		return nil
	}
	text := string(data)
	if !utf8.ValidString(text) {
		// Left undecoded: unknown charset
		text = helpers.SanitizeUTF8(text)
	}
	if strings.EqualFold(mediaType, "text/html") {
		text = html2text.HTML2Text(text)
	}
	return []string{text}
}

// Sender returns the From header.
func (m *Message) Sender() string { return m.sender }

// Receiver returns the To header.
func (m *Message) Receiver() string { return m.receiver }

// Cc returns the Cc header.
func (m *Message) Cc() string { return m.cc }

// Subject returns the decoded subject.
func (m *Message) Subject() string { return m.subject }

// Body returns the decoded text body.
func (m *Message) Body() string { return m.body }

// AttachmentPath returns the local file attached by New, if any.
func (m *Message) AttachmentPath() string { return m.attachmentPath }

// Attachments returns the file names of the attachments.
func (m *Message) Attachments() []string { return append([]string(nil), m.attachments...) }

// Bytes returns the encoded form. The caller must not modify it.
func (m *Message) Bytes() []byte { return m.raw }

// Size returns the size of the encoded form in bytes.
func (m *Message) Size() int { return len(m.raw) }

// MessageID returns the Message-Id without angle brackets.
func (m *Message) MessageID() string {
	id, err := m.header.MessageID()
	if err != nil {
		return ""
	}
	return id
}

// Date returns the Date header, or the zero time if it is missing.
func (m *Message) Date() time.Time {
	d, err := m.header.Date()
	if err != nil {
		return time.Time{}
	}
	return d
}

// Header returns the first raw value of a header field.
func (m *Message) Header(key string) string {
	return m.header.Get(key)
}

// HeaderValues returns all raw values of a header field.
func (m *Message) HeaderValues(key string) []string {
	return m.header.Values(key)
}

// Headers returns a copy of all header fields.
func (m *Message) Headers() map[string][]string {
	return m.header.Map()
}

// SenderAddress returns the bare address of the first From entry.
func (m *Message) SenderAddress() string {
	if list, err := m.header.AddressList("From"); err == nil && len(list) > 0 {
		return list[0].Address
	}
	if list := helpers.AddressList(m.sender); len(list) > 0 {
		return list[0]
	}
	return m.sender
}

// Recipients returns the bare addresses of To and Cc, in that order.
func (m *Message) Recipients() []string {
	return append(helpers.AddressList(m.receiver), helpers.AddressList(m.cc)...)
}

// String renders a human readable summary.
func (m *Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n", m.subject)
	fmt.Fprintf(&b, "From: %s\n", m.sender)
	fmt.Fprintf(&b, "To:   %s\n", m.receiver)
	fmt.Fprintf(&b, "Cc:   %s\n", m.cc)
	fmt.Fprintf(&b, "\n%s\n", m.body)
	fmt.Fprintf(&b, "Attachment: %s", strings.Join(m.attachments, ", "))
	return b.String()
}
