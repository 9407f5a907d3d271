// Package httpwire holds the HTTP/1.x wire helpers shared by the network
// transaction and the cache: locating the status line and the end of the
// header block, parsing response headers, freshness math and chunked body
// decoding.
package httpwire

import "strings"

// maxStatusLineJunk bounds how many junk bytes may precede "HTTP".
const maxStatusLineJunk = 4

// LocateStartOfStatusLine returns the offset of "http" (any case) within the
// first few bytes of buf, or -1.
func LocateStartOfStatusLine(buf []byte) int {
	const httpLen = 4
	if len(buf) < httpLen {
		return -1
	}
	limit := len(buf) - httpLen
	if limit > maxStatusLineJunk {
		limit = maxStatusLineJunk
	}
	for i := 0; i <= limit; i++ {
		if strings.EqualFold(string(buf[i:i+httpLen]), "http") {
			return i
		}
	}
	return -1
}

// LocateEndOfHeaders returns the offset just past the blank line that ends
// the header block, scanning from from, or -1. Both "\n\n" and "\n\r\n" are
// accepted.
func LocateEndOfHeaders(buf []byte, from int) int {
	wasLF := false
	var last byte
	for i := from; i < len(buf); i++ {
		c := buf[i]
		if c == '\n' {
			if wasLF {
				return i + 1
			}
			wasLF = true
		} else if c != '\r' || last != '\n' {
			wasLF = false
		}
		last = c
	}
	return -1
}
