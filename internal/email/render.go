package email

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// Errors returned when content references are blocked by message flags.
var (
	ErrURLAccessDisabled  = errors.New("url access is disabled for this message")
	ErrFileAccessDisabled = errors.New("file access is disabled for this message")
)

// Renderer converts a MailMessage into RFC 5322 bytes.
type Renderer struct {
	// HTTPClient loads content referenced by http(s) URL. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// Now supplies the Date header when the message has none.
	Now func() time.Time
}

// Render renders msg with a default Renderer.
func Render(ctx context.Context, msg *MailMessage) ([]byte, error) {
	return (&Renderer{}).Render(ctx, msg)
}

// Render builds the MIME message. A message with Raw set is emitted verbatim.
func (r *Renderer) Render(ctx context.Context, msg *MailMessage) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}

	if msg.Raw != nil {
		raw, err := r.load(ctx, msg, msg.Raw.Inline, msg.Raw.Path, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load raw message: %w", err)
		}
		return raw, nil
	}

	h, err := r.buildHeader(msg)
	if err != nil {
		return nil, err
	}

	bodies, err := r.collectBodies(ctx, msg)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer

	if len(msg.Attachments) == 0 && len(bodies) <= 1 {
		body := textBody{mediaType: "text/plain", params: map[string]string{"charset": "utf-8"}}
		if len(bodies) == 1 {
			body = bodies[0]
		}
		h.SetContentType(body.mediaType, body.params)
		h.Set("Content-Transfer-Encoding", transferEncoding(msg.TextEncoding))

		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("failed to create message writer: %w", err)
		}
		if _, err := w.Write(body.content); err != nil {
			return nil, fmt.Errorf("failed to write body: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to close body: %w", err)
		}
		return buf.Bytes(), nil
	}

	mpw := textproto.NewMultipartWriter(&buf)
	h.SetContentType("multipart/mixed", map[string]string{"boundary": mpw.Boundary()})
	h.Set("MIME-Version", "1.0")
	if err := textproto.WriteHeader(&buf, h.Header.Header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	if len(bodies) > 0 {
		var part bytes.Buffer
		iw, err := mail.CreateInlineWriter(&part, mail.Header{})
		if err != nil {
			return nil, fmt.Errorf("failed to create inline part: %w", err)
		}
		for _, body := range bodies {
			var ph mail.InlineHeader
			ph.SetContentType(body.mediaType, body.params)
			ph.Set("Content-Transfer-Encoding", transferEncoding(msg.TextEncoding))
			pw, err := iw.CreatePart(ph)
			if err != nil {
				return nil, fmt.Errorf("failed to create %s part: %w", body.mediaType, err)
			}
			if _, err := pw.Write(body.content); err != nil {
				return nil, fmt.Errorf("failed to write %s part: %w", body.mediaType, err)
			}
			if err := pw.Close(); err != nil {
				return nil, fmt.Errorf("failed to close %s part: %w", body.mediaType, err)
			}
		}
		if err := iw.Close(); err != nil {
			return nil, fmt.Errorf("failed to close inline part: %w", err)
		}
		if err := copyPart(mpw, part.Bytes(), true); err != nil {
			return nil, fmt.Errorf("failed to write inline part: %w", err)
		}
	}

	for i := range msg.Attachments {
		if err := r.writeAttachment(ctx, mpw, msg, &msg.Attachments[i]); err != nil {
			return nil, fmt.Errorf("attachment %d: %w", i, err)
		}
	}

	if err := mpw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *Renderer) buildHeader(msg *MailMessage) (mail.Header, error) {
	var h mail.Header

	date := time.Now()
	if r.Now != nil {
		date = r.Now()
	}
	if msg.Date != nil {
		date = msg.Date.Time
	}
	h.SetDate(date)

	if msg.From != nil {
		h.SetAddressList("From", toMailAddresses(AddressList{*msg.From}))
	}
	if msg.Sender != nil {
		h.SetAddressList("Sender", toMailAddresses(AddressList{*msg.Sender}))
	}
	if len(msg.To) > 0 {
		h.SetAddressList("To", toMailAddresses(msg.To))
	}
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", toMailAddresses(msg.Cc))
	}
	if msg.ReplyTo != nil {
		h.SetAddressList("Reply-To", toMailAddresses(AddressList{*msg.ReplyTo}))
	}
	if msg.InReplyTo != nil {
		h.SetMsgIDList("In-Reply-To", []string{trimMsgID(msg.InReplyTo.Address)})
	}
	if len(msg.References) > 0 {
		ids := make([]string, 0, len(msg.References))
		for _, ref := range msg.References {
			ids = append(ids, trimMsgID(ref))
		}
		h.SetMsgIDList("References", ids)
	}
	if msg.Subject != "" {
		h.SetSubject(msg.Subject)
	}

	if msg.MessageID != "" {
		h.SetMessageID(trimMsgID(msg.MessageID))
	} else if err := h.GenerateMessageID(); err != nil {
		return h, fmt.Errorf("failed to generate message id: %w", err)
	}

	switch msg.Priority {
	case PriorityHigh:
		h.Set("X-Priority", "1 (Highest)")
		h.Set("X-Msmail-Priority", "High")
		h.Set("Importance", "High")
	case PriorityLow:
		h.Set("X-Priority", "5 (Lowest)")
		h.Set("X-Msmail-Priority", "Low")
		h.Set("Importance", "Low")
	}

	for _, line := range listHeaderLines(msg.List) {
		h.Add(line.Key, line.Value)
	}

	addCustomHeaders(&h.Header, msg.Headers)
	return h, nil
}

type textBody struct {
	mediaType string
	params    map[string]string
	content   []byte
}

// collectBodies loads the textual alternatives in increasing order of
// preference: text, watch html, amp, calendar, html, then extra alternatives.
func (r *Renderer) collectBodies(ctx context.Context, msg *MailMessage) ([]textBody, error) {
	utf8 := func() map[string]string { return map[string]string{"charset": "utf-8"} }
	var bodies []textBody

	add := func(name, mediaType string, params map[string]string, inline, path, encoding string) error {
		content, err := r.load(ctx, msg, inline, path, encoding)
		if err != nil {
			return fmt.Errorf("failed to load %s body: %w", name, err)
		}
		bodies = append(bodies, textBody{mediaType: mediaType, params: params, content: content})
		return nil
	}

	if msg.Text != nil {
		if err := add("text", "text/plain", utf8(), msg.Text.Inline, msg.Text.Path, msg.Encoding); err != nil {
			return nil, err
		}
	}
	if msg.WatchHTML != nil {
		if err := add("watchHtml", "text/watch-html", utf8(), msg.WatchHTML.Inline, msg.WatchHTML.Path, msg.Encoding); err != nil {
			return nil, err
		}
	}
	if amp := msg.AMP; amp != nil {
		inline, path := amp.Content, firstNonEmpty(amp.Path, amp.Href)
		if amp.Raw != nil {
			inline, path = amp.Raw.Inline, amp.Raw.Path
		}
		mediaType := "text/x-amp-html"
		if amp.ContentType != "" {
			mediaType = amp.ContentType
		}
		if err := add("amp", mediaType, utf8(), inline, path, firstNonEmpty(amp.Encoding, msg.Encoding)); err != nil {
			return nil, err
		}
	}
	if ical := msg.ICalEvent; ical != nil {
		method := "PUBLISH"
		if ical.Method != "" {
			method = strings.ToUpper(ical.Method)
		}
		params := map[string]string{"charset": "utf-8", "method": method}
		if err := add("icalEvent", "text/calendar", params, ical.Content, firstNonEmpty(ical.Path, ical.Href), ical.Encoding); err != nil {
			return nil, err
		}
	}
	if msg.HTML != nil {
		if err := add("html", "text/html", utf8(), msg.HTML.Inline, msg.HTML.Path, msg.Encoding); err != nil {
			return nil, err
		}
	}
	for i, alt := range msg.Alternatives {
		mediaType := alt.ContentType
		if mediaType == "" {
			mediaType = "text/plain"
		}
		if err := add(fmt.Sprintf("alternative %d", i), mediaType, utf8(), alt.Content, alt.Path, alt.Encoding); err != nil {
			return nil, err
		}
	}

	return bodies, nil
}

// writeAttachment adds att as the next part of mpw. A Raw node is copied
// as is, header included; no other attachment field applies to it.
func (r *Renderer) writeAttachment(ctx context.Context, mpw *textproto.MultipartWriter, msg *MailMessage, att *Attachment) error {
	if att.Raw != nil {
		raw, err := r.load(ctx, msg, att.Raw.Inline, att.Raw.Path, "")
		if err != nil {
			return err
		}
		return copyPart(mpw, raw, false)
	}

	content, err := r.load(ctx, msg, att.Content, att.Path, att.Encoding)
	if err != nil {
		return err
	}

	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	name := ""
	if att.Filename == nil || !att.Filename.Disabled {
		if att.Filename != nil {
			name = att.Filename.Value
		}
		if name == "" && att.Path != "" && !strings.HasPrefix(att.Path, "data:") {
			name = baseName(att.Path)
		}
	}

	cte := "base64"
	if att.ContentTransferEncoding != nil && !att.ContentTransferEncoding.Disabled && att.ContentTransferEncoding.Value != "" {
		cte = att.ContentTransferEncoding.Value
	}

	disposition := att.ContentDisposition
	if disposition == "" && att.CID != "" {
		disposition = "inline"
	}

	var ph message.Header
	if disposition == "inline" {
		// embedded parts carry their name on the content type
		params := map[string]string{}
		if name != "" {
			params["name"] = name
		}
		ph.SetContentType(contentType, params)
		ph.Set("Content-Disposition", "inline")
	} else {
		ah := mail.AttachmentHeader{}
		ah.Set("Content-Type", contentType)
		if name != "" {
			ah.SetFilename(name)
		} else {
			ah.Set("Content-Disposition", "attachment")
		}
		ph = ah.Header
	}
	ph.Set("Content-Transfer-Encoding", cte)
	if att.CID != "" {
		ph.Set("Content-Id", "<"+trimMsgID(att.CID)+">")
	}
	addCustomHeaders(&ph, att.Headers)

	var part bytes.Buffer
	w, err := message.CreateWriter(&part, ph)
	if err != nil {
		return fmt.Errorf("failed to create attachment part: %w", err)
	}
	if _, err := w.Write(content); err != nil {
		return fmt.Errorf("failed to write attachment: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close attachment: %w", err)
	}
	return copyPart(mpw, part.Bytes(), true)
}

// copyPart writes a complete MIME entity as the next part of mpw. Header
// fields are written back byte for byte; standalone entities drop their
// MIME-Version since it only belongs on the top level.
func copyPart(mpw *textproto.MultipartWriter, entity []byte, standalone bool) error {
	br := bufio.NewReader(bytes.NewReader(entity))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return fmt.Errorf("malformed MIME node: %w", err)
	}
	if standalone {
		h.Del("Mime-Version")
	}
	w, err := mpw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create part: %w", err)
	}
	_, err = io.Copy(w, br)
	return err
}

// load resolves inline or referenced content and decodes it.
func (r *Renderer) load(ctx context.Context, msg *MailMessage, inline, path, encoding string) ([]byte, error) {
	if path == "" {
		return decodeContent(inline, encoding)
	}

	switch {
	case strings.HasPrefix(path, "data:"):
		return decodeDataURI(path)
	case strings.HasPrefix(path, "http://"), strings.HasPrefix(path, "https://"):
		if msg.DisableURLAccess {
			return nil, ErrURLAccessDisabled
		}
		return r.fetch(ctx, path)
	default:
		if msg.DisableFileAccess {
			return nil, ErrFileAccessDisabled
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		return data, nil
	}
}

func (r *Renderer) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s returned %d", rawURL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func decodeContent(s, encoding string) ([]byte, error) {
	switch strings.ToLower(encoding) {
	case "", "utf8", "utf-8", "binary":
		return []byte(s), nil
	case "base64":
		cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(s)
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
			if err != nil {
				return nil, fmt.Errorf("failed to decode base64 content: %w", err)
			}
		}
		return decoded, nil
	case "hex":
		decoded, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("failed to decode hex content: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

func decodeDataURI(uri string) ([]byte, error) {
	meta, data, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return nil, errors.New("malformed data uri")
	}
	if strings.HasSuffix(meta, ";base64") {
		return decodeContent(data, "base64")
	}
	decoded, err := url.PathUnescape(data)
	if err != nil {
		return nil, fmt.Errorf("malformed data uri: %w", err)
	}
	return []byte(decoded), nil
}

func addCustomHeaders(h interface{ Add(k, v string) }, headers *Headers) {
	for _, f := range headers.Fields() {
		h.Add(f.Key, f.Value)
	}
}

func listHeaderLines(list ListHeaders) []HeaderField {
	if len(list) == 0 {
		return nil
	}
	keyed := make(map[string]HeaderValue, len(list))
	for key, lines := range list {
		name := "List-" + canonicalListKey(key)
		var values []string
		for _, line := range lines {
			parts := make([]string, 0, len(line))
			for _, entry := range line {
				v := "<" + strings.Trim(entry.URL, "<>") + ">"
				if entry.Comment != "" {
					v += " (" + entry.Comment + ")"
				}
				parts = append(parts, v)
			}
			values = append(values, strings.Join(parts, ", "))
		}
		keyed[name] = HeaderValue{Values: values}
	}
	return HeaderMap(keyed).Fields()
}

// canonicalListKey turns "unsubscribe-post" or "unsubscribePost" into
// "Unsubscribe-Post".
func canonicalListKey(key string) string {
	var b strings.Builder
	upperNext := true
	for _, r := range key {
		switch {
		case r == '-' || r == '_':
			b.WriteRune('-')
			upperNext = true
		case r >= 'A' && r <= 'Z' && b.Len() > 0 && !upperNext:
			b.WriteRune('-')
			b.WriteRune(r)
		case upperNext:
			b.WriteString(strings.ToUpper(string(r)))
			upperNext = false
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func toMailAddresses(list AddressList) []*mail.Address {
	out := make([]*mail.Address, 0, len(list))
	for _, a := range list {
		out = append(out, &mail.Address{Name: a.Name, Address: a.Address})
	}
	return out
}

func transferEncoding(enc TextEncoding) string {
	if enc == TextEncodingBase64 {
		return "base64"
	}
	return "quoted-printable"
}

func trimMsgID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}
