package email

import (
	"bytes"
	"encoding/json"
	"fmt"
	netmail "net/mail"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

func isJSONString(data []byte) bool {
	data = bytes.TrimSpace(data)
	return len(data) > 0 && data[0] == '"'
}

func isJSONArray(data []byte) bool {
	data = bytes.TrimSpace(data)
	return len(data) > 0 && data[0] == '['
}

func isJSONNull(data []byte) bool {
	return string(bytes.TrimSpace(data)) == "null"
}

// ParseAddress parses "user@example.com" or "Name <user@example.com>".
// Text that is not a valid RFC 5322 address is kept verbatim as the address.
func ParseAddress(s string) Address {
	s = strings.TrimSpace(s)
	parsed, err := mail.ParseAddress(s)
	if err != nil {
		return Address{Address: s}
	}
	return Address{Name: parsed.Name, Address: parsed.Address}
}

// ParseAddressList parses a comma separated address list.
func ParseAddressList(s string) AddressList {
	if strings.TrimSpace(s) == "" {
		return nil
	}

	parsed, err := mail.ParseAddressList(s)
	if err != nil {
		// Fall back to a plain comma split if RFC 5322 parsing fails
		parts := strings.Split(s, ",")
		result := make(AddressList, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, ParseAddress(trimmed))
			}
		}
		return result
	}

	result := make(AddressList, 0, len(parsed))
	for _, a := range parsed {
		result = append(result, Address{Name: a.Name, Address: a.Address})
	}
	return result
}

// String formats the address for a header field.
func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return (&mail.Address{Name: a.Name, Address: a.Address}).String()
}

func (a Address) MarshalJSON() ([]byte, error) {
	if a.Name == "" {
		return json.Marshal(a.Address)
	}
	type plain Address
	return json.Marshal(plain(a))
}

func (a *Address) UnmarshalJSON(data []byte) error {
	if isJSONString(data) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = ParseAddress(s)
		return nil
	}

	type plain Address
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	*a = Address(p)
	return nil
}

// Addresses returns the bare addresses of the list.
func (l AddressList) Addresses() []string {
	if len(l) == 0 {
		return nil
	}
	out := make([]string, 0, len(l))
	for _, a := range l {
		out = append(out, a.Address)
	}
	return out
}

func (l *AddressList) UnmarshalJSON(data []byte) error {
	switch {
	case isJSONNull(data):
		*l = nil
	case isJSONString(data):
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = ParseAddressList(s)
	case isJSONArray(data):
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		out := make(AddressList, 0, len(items))
		for _, item := range items {
			if isJSONString(item) {
				// a string element may itself be a comma separated list
				var s string
				if err := json.Unmarshal(item, &s); err != nil {
					return err
				}
				out = append(out, ParseAddressList(s)...)
				continue
			}
			var a Address
			if err := a.UnmarshalJSON(item); err != nil {
				return err
			}
			out = append(out, a)
		}
		*l = out
	default:
		var a Address
		if err := a.UnmarshalJSON(data); err != nil {
			return err
		}
		*l = AddressList{a}
	}
	return nil
}

func (l *StringList) UnmarshalJSON(data []byte) error {
	if isJSONString(data) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = strings.Fields(s)
		return nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("invalid string list: %w", err)
	}
	*l = out
	return nil
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.Path == "" {
		return json.Marshal(c.Inline)
	}
	type plain Content
	return json.Marshal(plain(c))
}

func (c *Content) UnmarshalJSON(data []byte) error {
	if isJSONString(data) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{Inline: s}
		return nil
	}
	type plain Content
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("invalid content: %w", err)
	}
	*c = Content(p)
	return nil
}

func (o OptString) MarshalJSON() ([]byte, error) {
	if o.Disabled {
		return []byte("false"), nil
	}
	return json.Marshal(o.Value)
}

func (o *OptString) UnmarshalJSON(data []byte) error {
	switch strings.TrimSpace(string(data)) {
	case "false":
		*o = OptString{Disabled: true}
		return nil
	case "true":
		return fmt.Errorf("invalid value true: expected string or false")
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected string or false: %w", err)
	}
	*o = OptString{Value: s}
	return nil
}

func (a AmpAttachment) MarshalJSON() ([]byte, error) {
	if a == (AmpAttachment{Content: a.Content}) {
		return json.Marshal(a.Content)
	}
	type plain AmpAttachment
	return json.Marshal(plain(a))
}

func (a *AmpAttachment) UnmarshalJSON(data []byte) error {
	if isJSONString(data) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = AmpAttachment{Content: s}
		return nil
	}
	type plain AmpAttachment
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("invalid amp content: %w", err)
	}
	*a = AmpAttachment(p)
	return nil
}

func (a IcalAttachment) MarshalJSON() ([]byte, error) {
	if a == (IcalAttachment{Content: a.Content}) {
		return json.Marshal(a.Content)
	}
	type plain IcalAttachment
	return json.Marshal(plain(a))
}

func (a *IcalAttachment) UnmarshalJSON(data []byte) error {
	if isJSONString(data) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = IcalAttachment{Content: s}
		return nil
	}
	type plain IcalAttachment
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("invalid icalEvent: %w", err)
	}
	*a = IcalAttachment(p)
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid date: %w", err)
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = parsed
		return nil
	}
	parsed, err := netmail.ParseDate(s)
	if err != nil {
		return fmt.Errorf("invalid date %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}

type preparedValue struct {
	Prepared bool   `json:"prepared"`
	Value    string `json:"value"`
}

func (v HeaderValue) MarshalJSON() ([]byte, error) {
	switch {
	case v.Prepared:
		return json.Marshal(preparedValue{Prepared: true, Value: strings.Join(v.Values, ", ")})
	case len(v.Values) == 1:
		return json.Marshal(v.Values[0])
	default:
		return json.Marshal(v.Values)
	}
}

func (v *HeaderValue) UnmarshalJSON(data []byte) error {
	switch {
	case isJSONString(data):
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = HeaderValue{Values: []string{s}}
	case isJSONArray(data):
		var values []string
		if err := json.Unmarshal(data, &values); err != nil {
			return fmt.Errorf("invalid header values: %w", err)
		}
		*v = HeaderValue{Values: values}
	default:
		var p preparedValue
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("invalid header value: %w", err)
		}
		*v = HeaderValue{Values: []string{p.Value}, Prepared: p.Prepared}
	}
	return nil
}

func (h Headers) MarshalJSON() ([]byte, error) {
	switch h.kind {
	case HeadersMap:
		return json.Marshal(h.keyed)
	case HeadersList:
		if h.fields == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(h.fields)
	default:
		return []byte("null"), nil
	}
}

func (h *Headers) UnmarshalJSON(data []byte) error {
	if isJSONArray(data) {
		var fields []HeaderField
		if err := json.Unmarshal(data, &fields); err != nil {
			return fmt.Errorf("invalid header list: %w", err)
		}
		*h = Headers{kind: HeadersList, fields: fields}
		return nil
	}
	var keyed map[string]HeaderValue
	if err := json.Unmarshal(data, &keyed); err != nil {
		return fmt.Errorf("invalid header map: %w", err)
	}
	*h = Headers{kind: HeadersMap, keyed: keyed}
	return nil
}

// Fields flattens the headers into key/value pairs. Keyed headers are sorted
// by key; multi-valued entries yield one field per value.
func (h *Headers) Fields() []HeaderField {
	switch h.Kind() {
	case HeadersList:
		return append([]HeaderField(nil), h.fields...)
	case HeadersMap:
		keys := make([]string, 0, len(h.keyed))
		for k := range h.keyed {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var out []HeaderField
		for _, k := range keys {
			for _, v := range h.keyed[k].Values {
				out = append(out, HeaderField{Key: k, Value: v})
			}
		}
		return out
	default:
		return nil
	}
}

func (l ListHeader) MarshalJSON() ([]byte, error) {
	if l.Comment == "" {
		return json.Marshal(l.URL)
	}
	type plain ListHeader
	return json.Marshal(plain(l))
}

func (l *ListHeader) UnmarshalJSON(data []byte) error {
	if isJSONString(data) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = ListHeader{URL: s}
		return nil
	}
	type plain ListHeader
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("invalid list header: %w", err)
	}
	*l = ListHeader(p)
	return nil
}

// UnmarshalJSON normalizes the three accepted shapes (entry, list of entries,
// list of lists) into header lines.
func (h *ListHeaders) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid list headers: %w", err)
	}

	out := make(ListHeaders, len(raw))
	for key, value := range raw {
		if !isJSONArray(value) {
			var entry ListHeader
			if err := entry.UnmarshalJSON(value); err != nil {
				return fmt.Errorf("list header %q: %w", key, err)
			}
			out[key] = [][]ListHeader{{entry}}
			continue
		}

		var items []json.RawMessage
		if err := json.Unmarshal(value, &items); err != nil {
			return fmt.Errorf("list header %q: %w", key, err)
		}
		lines := make([][]ListHeader, 0, len(items))
		for _, item := range items {
			if isJSONArray(item) {
				var line []ListHeader
				if err := json.Unmarshal(item, &line); err != nil {
					return fmt.Errorf("list header %q: %w", key, err)
				}
				lines = append(lines, line)
				continue
			}
			var entry ListHeader
			if err := entry.UnmarshalJSON(item); err != nil {
				return fmt.Errorf("list header %q: %w", key, err)
			}
			lines = append(lines, []ListHeader{entry})
		}
		out[key] = lines
	}

	*h = out
	return nil
}
