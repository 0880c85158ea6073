package email

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Parse parses a raw RFC 5322 message into a MailMessage.
// Text, HTML, AMP and calendar parts become bodies; attachments are carried
// base64 encoded. Unrecognized inline parts are logged and skipped.
func Parse(raw []byte) (*MailMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	defer mr.Close()

	result := &MailMessage{}
	parseHeader(&mr.Header, result)

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				slog.Warn("unknown charset in message part", "error", err)
				continue
			}
			return nil, fmt.Errorf("failed to read next part: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			if err := parseInline(h, part.Body, result); err != nil {
				slog.Warn("failed to read inline part", "error", err)
			}
		case *mail.AttachmentHeader:
			att, err := parseAttachment(h, part.Body)
			if err != nil {
				slog.Warn("failed to read attachment", "error", err)
				continue
			}
			result.Attachments = append(result.Attachments, att)
		}
	}

	return result, nil
}

func parseHeader(h *mail.Header, result *MailMessage) {
	if list := headerAddresses(h, "From"); len(list) > 0 {
		result.From = &list[0]
	}
	if list := headerAddresses(h, "Sender"); len(list) > 0 {
		result.Sender = &list[0]
	}
	if list := headerAddresses(h, "Reply-To"); len(list) > 0 {
		result.ReplyTo = &list[0]
	}
	result.To = headerAddresses(h, "To")
	result.Cc = headerAddresses(h, "Cc")
	result.Bcc = headerAddresses(h, "Bcc")

	if subject, err := h.Subject(); err == nil {
		result.Subject = subject
	} else {
		result.Subject = h.Get("Subject")
	}
	if id, err := h.MessageID(); err == nil && id != "" {
		result.MessageID = "<" + id + ">"
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		result.InReplyTo = &Address{Address: "<" + ids[0] + ">"}
	}
	if ids, err := h.MsgIDList("References"); err == nil && len(ids) > 0 {
		refs := make(StringList, 0, len(ids))
		for _, id := range ids {
			refs = append(refs, "<"+id+">")
		}
		result.References = refs
	}
	if h.Has("Date") {
		if date, err := h.Date(); err == nil {
			result.Date = At(date)
		}
	}

	switch priority := h.Get("X-Priority"); {
	case strings.HasPrefix(priority, "1"), strings.HasPrefix(priority, "2"):
		result.Priority = PriorityHigh
	case strings.HasPrefix(priority, "4"), strings.HasPrefix(priority, "5"):
		result.Priority = PriorityLow
	}

	var extra []HeaderField
	fields := h.Fields()
	for fields.Next() {
		key := fields.Key()
		if strings.HasPrefix(strings.ToLower(key), "x-") && !strings.EqualFold(key, "X-Priority") && !strings.EqualFold(key, "X-Msmail-Priority") {
			extra = append(extra, HeaderField{Key: key, Value: fields.Value()})
		}
	}
	if len(extra) > 0 {
		result.Headers = HeaderList(extra...)
	}
}

func headerAddresses(h *mail.Header, key string) AddressList {
	if !h.Has(key) {
		return nil
	}
	list, err := h.AddressList(key)
	if err != nil {
		// Fall back to the lenient parser for malformed lists
		return ParseAddressList(h.Get(key))
	}
	out := make(AddressList, 0, len(list))
	for _, a := range list {
		out = append(out, Address{Name: a.Name, Address: a.Address})
	}
	return out
}

func parseInline(h *mail.InlineHeader, body io.Reader, result *MailMessage) error {
	mediaType, params, err := h.ContentType()
	if err != nil {
		mediaType = "text/plain"
	}
	content, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	switch mediaType {
	case "text/plain":
		if result.Text == nil {
			result.Text = TextContent(string(content))
		}
	case "text/html":
		if result.HTML == nil {
			result.HTML = TextContent(string(content))
		}
	case "text/watch-html":
		if result.WatchHTML == nil {
			result.WatchHTML = TextContent(string(content))
		}
	case "text/x-amp-html":
		if result.AMP == nil {
			result.AMP = &AmpAttachment{Content: string(content)}
		}
	case "text/calendar":
		if result.ICalEvent == nil {
			result.ICalEvent = &IcalAttachment{Content: string(content), Method: params["method"]}
		}
	default:
		// inline non-text parts (embedded images) are kept as attachments
		if !strings.HasPrefix(mediaType, "text/") {
			result.Attachments = append(result.Attachments, Attachment{
				Content:            base64.StdEncoding.EncodeToString(content),
				Encoding:           "base64",
				ContentType:        mediaType,
				ContentDisposition: "inline",
				CID:                trimMsgID(h.Get("Content-Id")),
				Filename:           optName(params["name"]),
			})
			return nil
		}
		slog.Warn("unrecognized MIME part, skipping", "content_type", mediaType)
	}
	return nil
}

func parseAttachment(h *mail.AttachmentHeader, body io.Reader) (Attachment, error) {
	content, err := io.ReadAll(body)
	if err != nil {
		return Attachment{}, err
	}

	mediaType, params, err := h.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "application/octet-stream"
	}

	filename, err := h.Filename()
	if err != nil || filename == "" {
		filename = params["name"]
	}

	return Attachment{
		Content:     base64.StdEncoding.EncodeToString(content),
		Encoding:    "base64",
		ContentType: mediaType,
		Filename:    optName(filename),
		CID:         trimMsgID(h.Get("Content-Id")),
	}, nil
}

func optName(name string) *OptString {
	if name == "" {
		return nil
	}
	return Opt(name)
}
