package httpwire

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Version is an HTTP protocol version as parsed from a status line.
type Version struct {
	Major int
	Minor int
}

// AtLeast reports whether v >= major.minor.
func (v Version) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

func (v Version) String() string {
	return fmt.Sprintf("HTTP/%d.%d", v.Major, v.Minor)
}

type headerLine struct {
	name  string
	value string
}

// ResponseHeaders keeps the status line and the header block of one response
// in wire order. Lookups are case-insensitive.
type ResponseHeaders struct {
	version Version
	code    int
	reason  string
	lines   []headerLine
}

// ParseResponseHeaders 宽松地解析状态行与头部块：未知版本按 HTTP/1.0 处理，缺失状态码按 200 处理。
func ParseResponseHeaders(raw []byte) *ResponseHeaders {
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	rows := strings.Split(text, "\n")

	h := &ResponseHeaders{}
	h.parseStatusLine(strings.TrimRight(rows[0], "\r"))

	for _, row := range rows[1:] {
		row = strings.TrimRight(row, "\r")
		if row == "" {
			continue
		}
		if (row[0] == ' ' || row[0] == '\t') && len(h.lines) > 0 {
			last := &h.lines[len(h.lines)-1]
			last.value = strings.TrimSpace(last.value + " " + strings.TrimSpace(row))
			continue
		}
		idx := strings.IndexByte(row, ':')
		if idx <= 0 {
			continue
		}
		name := strings.TrimSpace(row[:idx])
		if name == "" || strings.ContainsAny(name, " \t") {
			continue
		}
		h.lines = append(h.lines, headerLine{name: name, value: strings.TrimSpace(row[idx+1:])})
	}
	return h
}

// NewHTTP09Headers fabricates the headers of a response without a status line.
func NewHTTP09Headers() *ResponseHeaders {
	return &ResponseHeaders{version: Version{0, 9}, code: 200, reason: "OK"}
}

func (h *ResponseHeaders) parseStatusLine(line string) {
	h.version = Version{1, 0}
	h.code = 200

	line = strings.TrimSpace(line)
	if len(line) < 4 || !strings.EqualFold(line[:4], "http") {
		return
	}
	rest := line[4:]
	if strings.HasPrefix(rest, "/") {
		sp := strings.IndexAny(rest, " \t")
		proto := rest[1:]
		if sp >= 0 {
			proto = rest[1:sp]
			rest = strings.TrimSpace(rest[sp:])
		} else {
			rest = ""
		}
		if major, minor, ok := parseVersion(proto); ok {
			h.version = Version{major, minor}
		}
	} else {
		rest = strings.TrimSpace(rest)
	}

	codeText := rest
	if sp := strings.IndexAny(rest, " \t"); sp >= 0 {
		codeText = rest[:sp]
		h.reason = strings.TrimSpace(rest[sp:])
	}
	digits := 0
	for digits < len(codeText) && codeText[digits] >= '0' && codeText[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		if code, err := strconv.Atoi(codeText[:digits]); err == nil {
			h.code = code
		}
	}
}

func parseVersion(proto string) (int, int, bool) {
	dot := strings.IndexByte(proto, '.')
	if dot <= 0 {
		return 0, 0, false
	}
	major, err := strconv.Atoi(proto[:dot])
	if err != nil {
		return 0, 0, false
	}
	minorText := proto[dot+1:]
	if len(minorText) > 1 {
		minorText = minorText[:1]
	}
	minor, err := strconv.Atoi(minorText)
	if err != nil {
		return 0, 0, false
	}
	// HTTP/2 及以上的状态行在 HTTP/1 连接上不可能合法，按 1.1 处理。
	if major > 1 {
		return 1, 1, true
	}
	return major, minor, true
}

// Version returns the parsed protocol version.
func (h *ResponseHeaders) Version() Version { return h.version }

// Code returns the status code.
func (h *ResponseHeaders) Code() int { return h.code }

// Reason returns the reason phrase.
func (h *ResponseHeaders) Reason() string { return h.reason }

// StatusLine returns the normalized status line, e.g. "HTTP/1.1 200 OK".
func (h *ResponseHeaders) StatusLine() string {
	line := fmt.Sprintf("%s %d", h.version, h.code)
	if h.reason != "" {
		line += " " + h.reason
	}
	return line
}

// Get returns the first value of name.
func (h *ResponseHeaders) Get(name string) string {
	for _, l := range h.lines {
		if strings.EqualFold(l.name, name) {
			return l.value
		}
	}
	return ""
}

// Has reports whether at least one line named name exists.
func (h *ResponseHeaders) Has(name string) bool {
	for _, l := range h.lines {
		if strings.EqualFold(l.name, name) {
			return true
		}
	}
	return false
}

// Values returns every raw value of name.
func (h *ResponseHeaders) Values(name string) []string {
	var out []string
	for _, l := range h.lines {
		if strings.EqualFold(l.name, name) {
			out = append(out, l.value)
		}
	}
	return out
}

// EnumerateValues splits every value of name on commas.
func (h *ResponseHeaders) EnumerateValues(name string) []string {
	var out []string
	for _, value := range h.Values(name) {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				out = append(out, token)
			}
		}
	}
	return out
}

// HasHeaderValue reports whether one of the comma separated values of name
// equals value, ignoring case.
func (h *ResponseHeaders) HasHeaderValue(name, value string) bool {
	for _, token := range h.EnumerateValues(name) {
		if strings.EqualFold(token, value) {
			return true
		}
	}
	return false
}

// Each calls fn for every header line in wire order.
func (h *ResponseHeaders) Each(fn func(name, value string)) {
	for _, l := range h.lines {
		fn(l.name, l.value)
	}
}

// Header converts the header block to an http.Header.
func (h *ResponseHeaders) Header() http.Header {
	out := make(http.Header, len(h.lines))
	for _, l := range h.lines {
		out.Add(l.name, l.value)
	}
	return out
}

// AddHeader appends one header line.
func (h *ResponseHeaders) AddHeader(name, value string) {
	h.lines = append(h.lines, headerLine{name: name, value: value})
}

// RemoveHeader drops every line named name.
func (h *ResponseHeaders) RemoveHeader(name string) {
	kept := h.lines[:0]
	for _, l := range h.lines {
		if !strings.EqualFold(l.name, name) {
			kept = append(kept, l)
		}
	}
	h.lines = kept
}

// Clone returns a deep copy.
func (h *ResponseHeaders) Clone() *ResponseHeaders {
	dup := *h
	dup.lines = append([]headerLine(nil), h.lines...)
	return &dup
}

// 304 响应不允许覆盖的头部：逐跳字段、鉴权挑战以及描述实体本身的字段。
var nonUpdatedHeaders = []string{
	"connection",
	"proxy-connection",
	"keep-alive",
	"www-authenticate",
	"proxy-authenticate",
	"trailer",
	"transfer-encoding",
	"upgrade",
	"content-location",
	"content-md5",
	"etag",
	"content-encoding",
	"content-range",
	"content-type",
	"content-length",
}

// Update merges the headers of a 304 response into the stored headers. Every
// updatable header present in fresh replaces the stored values.
func (h *ResponseHeaders) Update(fresh *ResponseHeaders) {
	if fresh == nil {
		return
	}
	replaced := map[string]bool{}
	for _, l := range fresh.lines {
		lower := strings.ToLower(l.name)
		if isNonUpdated(lower) {
			continue
		}
		if !replaced[lower] {
			h.RemoveHeader(l.name)
			replaced[lower] = true
		}
		h.lines = append(h.lines, l)
	}
}

func isNonUpdated(lower string) bool {
	for _, name := range nonUpdatedHeaders {
		if name == lower {
			return true
		}
	}
	return false
}

// RawHeaders serializes the status line and every header line, CRLF
// separated and terminated by an empty line.
func (h *ResponseHeaders) RawHeaders() string {
	return h.serialize(nil)
}

// Persist serializes the headers; when skipTransient is true the transient
// headers are dropped.
func (h *ResponseHeaders) Persist(skipTransient bool) string {
	if !skipTransient {
		return h.serialize(nil)
	}
	return h.serialize(h.transientHeaders())
}

func (h *ResponseHeaders) serialize(skip map[string]struct{}) string {
	var b strings.Builder
	b.WriteString(h.StatusLine())
	b.WriteString("\r\n")
	for _, l := range h.lines {
		if _, drop := skip[strings.ToLower(l.name)]; drop {
			continue
		}
		b.WriteString(l.name)
		b.WriteString(": ")
		b.WriteString(l.value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}

// ContentLength returns the Content-Length value or -1 when absent or invalid.
func (h *ResponseHeaders) ContentLength() int64 {
	raw := h.Get("content-length")
	if raw == "" {
		return -1
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// IsChunkEncoded reports whether the body uses chunked framing. HTTP/1.0
// intermediaries sometimes forward a stale chunked marker, so only HTTP/1.1
// responses qualify.
func (h *ResponseHeaders) IsChunkEncoded() bool {
	return h.version.AtLeast(1, 1) && h.HasHeaderValue("transfer-encoding", "chunked")
}

// IsKeepAlive reports whether the connection may be reused after this
// response.
func (h *ResponseHeaders) IsKeepAlive() bool {
	if !h.version.AtLeast(1, 1) {
		return h.HasHeaderValue("connection", "keep-alive") ||
			h.HasHeaderValue("proxy-connection", "keep-alive")
	}
	return !h.HasHeaderValue("connection", "close") &&
		!h.HasHeaderValue("proxy-connection", "close")
}

// IsRedirect reports whether the response is a redirect with a Location.
func (h *ResponseHeaders) IsRedirect() (string, bool) {
	switch h.code {
	case 301, 302, 303, 307, 308:
	default:
		return "", false
	}
	location := h.Get("location")
	return location, location != ""
}

// Date returns the Date header.
func (h *ResponseHeaders) Date() (time.Time, bool) { return h.timeValue("date") }

// LastModified returns the Last-Modified header.
func (h *ResponseHeaders) LastModified() (time.Time, bool) { return h.timeValue("last-modified") }

// Expires returns the Expires header. An unparsable value means "already
// expired" and is reported as the zero time with ok == true.
func (h *ResponseHeaders) Expires() (time.Time, bool) {
	raw := h.Get("expires")
	if raw == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(raw)
	if err != nil {
		return time.Time{}, true
	}
	return t, true
}

func (h *ResponseHeaders) timeValue(name string) (time.Time, bool) {
	raw := h.Get(name)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// AgeValue returns the Age header.
func (h *ResponseHeaders) AgeValue() (time.Duration, bool) {
	raw := h.Get("age")
	if raw == "" {
		return 0, false
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seconds < 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// MaxAge returns the max-age directive of Cache-Control.
func (h *ResponseHeaders) MaxAge() (time.Duration, bool) {
	for _, token := range h.EnumerateValues("cache-control") {
		name, value, found := strings.Cut(token, "=")
		if !found || !strings.EqualFold(strings.TrimSpace(name), "max-age") {
			continue
		}
		seconds, err := strconv.ParseInt(strings.Trim(strings.TrimSpace(value), `"`), 10, 64)
		if err != nil || seconds < 0 {
			return 0, true
		}
		return time.Duration(seconds) * time.Second, true
	}
	return 0, false
}
