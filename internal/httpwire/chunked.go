package httpwire

import (
	"bytes"
	"strconv"

	"github.com/any-hub/any-fetch/internal/neterr"
)

// ChunkedDecoder removes chunked transfer framing in place. Trailers are
// parsed and dropped.
type ChunkedDecoder struct {
	chunkRemaining           int64
	chunkTerminatorRemaining bool
	reachedLastChunk         bool
	reachedEOF               bool
	bytesAfterEOF            int
	lineBuf                  []byte
}

// ReachedEOF reports whether the terminating zero-size chunk and the end of
// the trailer block have been consumed.
func (d *ChunkedDecoder) ReachedEOF() bool { return d.reachedEOF }

// BytesAfterEOF counts bytes received after the final chunk.
func (d *ChunkedDecoder) BytesAfterEOF() int { return d.bytesAfterEOF }

// FilterBuf decodes buf in place and returns how many payload bytes now sit at
// the front of buf.
func (d *ChunkedDecoder) FilterBuf(buf []byte) (int, error) {
	out, in := 0, 0
	for in < len(buf) {
		if d.chunkRemaining > 0 {
			n := int64(len(buf) - in)
			if n > d.chunkRemaining {
				n = d.chunkRemaining
			}
			copy(buf[out:], buf[in:in+int(n)])
			out += int(n)
			in += int(n)
			d.chunkRemaining -= n
			if d.chunkRemaining == 0 {
				d.chunkTerminatorRemaining = true
			}
			continue
		}
		if d.reachedEOF {
			d.bytesAfterEOF += len(buf) - in
			break
		}
		consumed, err := d.scanForChunkRemaining(buf[in:])
		if err != nil {
			return 0, err
		}
		in += consumed
	}
	return out, nil
}

func (d *ChunkedDecoder) scanForChunkRemaining(buf []byte) (int, error) {
	lf := bytes.IndexByte(buf, '\n')
	if lf < 0 {
		// 不完整的行先缓存，等待后续数据。
		line := buf
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		d.lineBuf = append(d.lineBuf, line...)
		return len(buf), nil
	}

	line := buf[:lf]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	if len(d.lineBuf) > 0 {
		d.lineBuf = append(d.lineBuf, line...)
		line = d.lineBuf
	}

	switch {
	case d.reachedLastChunk:
		if len(line) == 0 {
			d.reachedEOF = true
		}
	case d.chunkTerminatorRemaining:
		if len(line) != 0 {
			return 0, neterr.New(neterr.CodeInvalidChunkedEncoding)
		}
		d.chunkTerminatorRemaining = false
	case len(line) > 0:
		if semi := bytes.IndexByte(line, ';'); semi >= 0 {
			line = line[:semi]
		}
		size, ok := parseChunkSize(line)
		if !ok {
			return 0, neterr.New(neterr.CodeInvalidChunkedEncoding)
		}
		d.chunkRemaining = size
		if size == 0 {
			d.reachedLastChunk = true
		}
	default:
		return 0, neterr.New(neterr.CodeInvalidChunkedEncoding)
	}

	d.lineBuf = d.lineBuf[:0]
	return lf + 1, nil
}

func parseChunkSize(line []byte) (int64, bool) {
	line = bytes.TrimRight(line, " \t")
	if len(line) == 0 || len(line) > 15 {
		return 0, false
	}
	for _, c := range line {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return 0, false
		}
	}
	size, err := strconv.ParseInt(string(line), 16, 64)
	if err != nil {
		return 0, false
	}
	return size, true
}
