package engine

import (
	"bytes"
	"strconv"
)

const maxChunkLine = 4096

type chunkedState int

const (
	chunkSize chunkedState = iota
	chunkData
	chunkDataEnd
	chunkTrailer
	chunkDone
)

// chunkedDecoder incrementally decodes a chunked request body. It keeps
// no input of its own: undecodable tails are left for the next call.
type chunkedDecoder struct {
	state     chunkedState
	remaining int64
}

// decode appends body bytes decoded from src to dst. It returns the grown
// dst and how many bytes of src were consumed.
func (d *chunkedDecoder) decode(dst, src []byte) ([]byte, int, error) {
	n := 0
	for n < len(src) && d.state != chunkDone {
		switch d.state {
		case chunkSize:
			line, ok, err := nextLine(src[n:])
			if err != nil || !ok {
				return dst, n, err
			}
			n += len(line) + 1

			size, err := parseChunkSize(trimCR(line))
			if err != nil {
				return dst, n, err
			}
			if size == 0 {
				d.state = chunkTrailer
			} else {
				d.state = chunkData
				d.remaining = size
			}

		case chunkData:
			take := int64(len(src) - n)
			if take > d.remaining {
				take = d.remaining
			}
			dst = append(dst, src[n:n+int(take)]...)
			n += int(take)
			d.remaining -= take
			if d.remaining == 0 {
				d.state = chunkDataEnd
			}

		case chunkDataEnd:
			line, ok, err := nextLine(src[n:])
			if err != nil || !ok {
				return dst, n, err
			}
			if len(trimCR(line)) != 0 {
				return dst, n, badRequest("missing chunk terminator")
			}
			n += len(line) + 1
			d.state = chunkSize

		case chunkTrailer:
			line, ok, err := nextLine(src[n:])
			if err != nil || !ok {
				return dst, n, err
			}
			n += len(line) + 1
			// trailer fields are ignored
			if len(trimCR(line)) == 0 {
				d.state = chunkDone
			}
		}
	}

	return dst, n, nil
}

// done reports whether the terminating chunk and trailer were read
func (d *chunkedDecoder) done() bool {
	return d.state == chunkDone
}

// nextLine returns the line before the next '\n', without it
func nextLine(b []byte) ([]byte, bool, error) {
	i := bytes.IndexByte(b, '\n')
	if i == -1 {
		if len(b) > maxChunkLine {
			return nil, false, badRequest("chunk line too long")
		}
		return nil, false, nil
	}
	return b[:i], true, nil
}

func parseChunkSize(line []byte) (int64, error) {
	if i := bytes.IndexByte(line, ';'); i != -1 {
		line = line[:i]
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 || len(line) > 16 {
		return 0, badRequest("invalid chunk size")
	}

	size, err := strconv.ParseInt(string(line), 16, 64)
	if err != nil || size < 0 {
		return 0, badRequest("invalid chunk size")
	}
	return size, nil
}
