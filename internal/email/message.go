// Package email defines the mail message data model carried through the
// web3mail RPC surface, along with its JSON wire form and MIME rendering.
//
// Every field is optional: a MailMessage describes at most what a message may
// contain, never a minimum. Fields that accept several shapes on the wire
// (string or object, single value or list) are modeled as explicit variants.
package email

import (
	"strings"
	"time"
)

// MailMessage describes an email's addressing and content.
//
// When Raw is set, consumers ignore every other body-shaping field; the
// renderer emits Raw verbatim.
type MailMessage struct {
	From      *Address    `json:"from,omitempty"`
	Sender    *Address    `json:"sender,omitempty"`
	To        AddressList `json:"to,omitempty"`
	Cc        AddressList `json:"cc,omitempty"`
	Bcc       AddressList `json:"bcc,omitempty"`
	ReplyTo   *Address    `json:"replyTo,omitempty"`
	InReplyTo *Address    `json:"inReplyTo,omitempty"`

	// References is a list of message ids; a space separated string on the
	// wire is split on decode.
	References StringList `json:"references,omitempty"`

	Subject   string          `json:"subject,omitempty"`
	Text      *Content        `json:"text,omitempty"`
	HTML      *Content        `json:"html,omitempty"`
	WatchHTML *Content        `json:"watchHtml,omitempty"`
	AMP       *AmpAttachment  `json:"amp,omitempty"`
	ICalEvent *IcalAttachment `json:"icalEvent,omitempty"`

	Headers      *Headers     `json:"headers,omitempty"`
	List         ListHeaders  `json:"list,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	Alternatives []Attachment `json:"alternatives,omitempty"`
	Envelope     *Envelope    `json:"envelope,omitempty"`
	MessageID    string       `json:"messageId,omitempty"`
	Date         *Timestamp   `json:"date,omitempty"`

	// Encoding names how string contents of textual parts are encoded,
	// e.g. base64 or hex. Unicode text is assumed when empty.
	Encoding string   `json:"encoding,omitempty"`
	Raw      *Content `json:"raw,omitempty"`

	TextEncoding      TextEncoding `json:"textEncoding,omitempty"`
	DisableURLAccess  bool         `json:"disableUrlAccess,omitempty"`
	DisableFileAccess bool         `json:"disableFileAccess,omitempty"`
	Priority          Priority     `json:"priority,omitempty"`
}

// Address is a mailbox. On the wire it is either a plain string
// ("user@example.com" or "Name <user@example.com>") or {name, address}.
type Address struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// AddressList holds one or more addresses. The wire form may be a comma
// separated string, a single address, or an array mixing both shapes.
type AddressList []Address

// StringList is a list that may arrive as a single space separated string.
type StringList []string

// Content is a body or attachment payload: inline text, or a reference to
// externally stored content by file path, URL or data URI.
type Content struct {
	Inline string `json:"content,omitempty"`
	Path   string `json:"path,omitempty"`
}

// TextContent returns inline content.
func TextContent(s string) *Content {
	return &Content{Inline: s}
}

// PathContent returns content loaded from a path, URL or data URI.
func PathContent(path string) *Content {
	return &Content{Path: path}
}

// IsReference reports whether the content must be loaded from Path.
func (c *Content) IsReference() bool {
	return c != nil && c.Path != ""
}

// OptString is a string setting that may also be explicitly disabled with
// false on the wire, e.g. an attachment filename.
type OptString struct {
	Value    string
	Disabled bool
}

// DisabledOpt returns an OptString set to false.
func DisabledOpt() *OptString {
	return &OptString{Disabled: true}
}

// Opt returns an OptString holding s.
func Opt(s string) *OptString {
	return &OptString{Value: s}
}

// Attachment is a file attached to, or an alternative body of, a message.
type Attachment struct {
	Content string `json:"content,omitempty"`
	Path    string `json:"path,omitempty"`

	Filename                *OptString `json:"filename,omitempty"`
	CID                     string     `json:"cid,omitempty"`
	Encoding                string     `json:"encoding,omitempty"`
	ContentType             string     `json:"contentType,omitempty"`
	ContentTransferEncoding *OptString `json:"contentTransferEncoding,omitempty"`
	ContentDisposition      string     `json:"contentDisposition,omitempty"`
	Headers                 *Headers   `json:"headers,omitempty"`

	// Raw overrides the whole MIME node when set.
	Raw *Content `json:"raw,omitempty"`
}

// AmpAttachment is an AMP4EMAIL body. On the wire it may be a plain string.
type AmpAttachment struct {
	Content     string   `json:"content,omitempty"`
	Path        string   `json:"path,omitempty"`
	Href        string   `json:"href,omitempty"`
	Encoding    string   `json:"encoding,omitempty"`
	ContentType string   `json:"contentType,omitempty"`
	Raw         *Content `json:"raw,omitempty"`
}

// IcalAttachment is a calendar event alternative. On the wire it may be a
// plain string.
type IcalAttachment struct {
	Content  string     `json:"content,omitempty"`
	Path     string     `json:"path,omitempty"`
	Method   string     `json:"method,omitempty"`
	Filename *OptString `json:"filename,omitempty"`
	Href     string     `json:"href,omitempty"`
	Encoding string     `json:"encoding,omitempty"`
}

// Envelope overrides the SMTP envelope derived from the address headers.
type Envelope struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
	Cc   string `json:"cc,omitempty"`
	Bcc  string `json:"bcc,omitempty"`
}

// TextEncoding selects the transfer encoding of text parts.
type TextEncoding string

const (
	TextEncodingQuotedPrintable TextEncoding = "quoted-printable"
	TextEncodingBase64          TextEncoding = "base64"
)

// Priority is the message importance.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Timestamp is a message date. Decoding accepts RFC 3339 and RFC 5322 dates.
type Timestamp struct {
	time.Time
}

// At returns a Timestamp for t.
func At(t time.Time) *Timestamp {
	return &Timestamp{Time: t}
}

// HeaderKind tells which representation a Headers value uses.
type HeaderKind int

const (
	// HeadersMap is the keyed form: {"X-Key": "value" | ["v1","v2"] | {prepared, value}}.
	HeadersMap HeaderKind = iota + 1
	// HeadersList is the ordered form: [{key, value}, ...].
	HeadersList
)

// HeaderValue is one entry of the keyed header form. Prepared values are
// emitted as-is without folding or encoding.
type HeaderValue struct {
	Values   []string
	Prepared bool
}

// HeaderField is one entry of the ordered header form.
type HeaderField struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Headers holds additional header fields in exactly one of two forms.
type Headers struct {
	kind   HeaderKind
	keyed  map[string]HeaderValue
	fields []HeaderField
}

// HeaderMap returns headers in keyed form.
func HeaderMap(m map[string]HeaderValue) *Headers {
	return &Headers{kind: HeadersMap, keyed: m}
}

// HeaderList returns headers in ordered form.
func HeaderList(fields ...HeaderField) *Headers {
	return &Headers{kind: HeadersList, fields: fields}
}

// Kind returns the representation in use, or 0 for a nil Headers.
func (h *Headers) Kind() HeaderKind {
	if h == nil {
		return 0
	}
	return h.kind
}

// Keyed returns the keyed form. ok is false for the ordered form.
func (h *Headers) Keyed() (m map[string]HeaderValue, ok bool) {
	if h.Kind() != HeadersMap {
		return nil, false
	}
	return h.keyed, true
}

// Ordered returns the ordered form. ok is false for the keyed form.
func (h *Headers) Ordered() (fields []HeaderField, ok bool) {
	if h.Kind() != HeadersList {
		return nil, false
	}
	return h.fields, true
}

// ListHeader is a single List-* header entry: a URL with an optional comment.
// On the wire a bare string is a URL.
type ListHeader struct {
	URL     string `json:"url"`
	Comment string `json:"comment,omitempty"`
}

// ListHeaders maps list header names (help, unsubscribe, ...) to header lines.
// Each outer element is one header line; each inner element one URL in it.
type ListHeaders map[string][][]ListHeader

// ExternalReferences lists the file paths and URLs rendering m would read.
// data URIs carry their content and are not listed.
func (m *MailMessage) ExternalReferences() []string {
	var refs []string
	add := func(paths ...string) {
		for _, p := range paths {
			if p != "" && !strings.HasPrefix(p, "data:") {
				refs = append(refs, p)
			}
		}
	}
	contentPath := func(c *Content) string {
		if c == nil {
			return ""
		}
		return c.Path
	}

	add(contentPath(m.Raw), contentPath(m.Text), contentPath(m.HTML), contentPath(m.WatchHTML))
	if m.AMP != nil {
		add(m.AMP.Path, m.AMP.Href, contentPath(m.AMP.Raw))
	}
	if m.ICalEvent != nil {
		add(m.ICalEvent.Path, m.ICalEvent.Href)
	}
	for _, list := range [][]Attachment{m.Attachments, m.Alternatives} {
		for _, att := range list {
			add(att.Path, contentPath(att.Raw))
		}
	}
	return refs
}
