package auth

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ChunkedReader decodes the aws-chunked body encoding produced by SDK
// streaming uploads:
//
//	{hex-size};chunk-signature={sig}\r\n{data}\r\n ... 0\r\n{trailers}\r\n
//
// Chunk signatures are stripped, not verified; payload integrity for
// streaming uploads rests on the request signature covering the headers.
type ChunkedReader struct {
	reader *bufio.Reader
	buffer bytes.Buffer
	eof    bool
}

// NewChunkedReader wraps r, yielding the decoded payload bytes.
func NewChunkedReader(r io.Reader) *ChunkedReader {
	return &ChunkedReader{reader: bufio.NewReader(r)}
}

// IsChunkedEncoding reports whether the content-encoding value names the
// aws-chunked framing.
func IsChunkedEncoding(contentEncoding string) bool {
	for _, enc := range strings.Split(contentEncoding, ",") {
		if strings.TrimSpace(enc) == "aws-chunked" {
			return true
		}
	}
	return false
}

func (r *ChunkedReader) Read(p []byte) (int, error) {
	if r.eof && r.buffer.Len() == 0 {
		return 0, io.EOF
	}
	if r.buffer.Len() > 0 {
		return r.buffer.Read(p)
	}

	if err := r.readChunk(); err != nil {
		if err == io.EOF {
			r.eof = true
		}
		if r.buffer.Len() > 0 {
			return r.buffer.Read(p)
		}
		return 0, err
	}
	return r.buffer.Read(p)
}

func (r *ChunkedReader) readChunk() error {
	sizeLine, err := r.reader.ReadString('\n')
	if err != nil {
		return err
	}
	sizeLine = strings.TrimSpace(sizeLine)

	// {hex-size};chunk-signature={sig}
	if idx := strings.Index(sizeLine, ";"); idx != -1 {
		sizeLine = sizeLine[:idx]
	}

	chunkSize, err := strconv.ParseInt(sizeLine, 16, 64)
	if err != nil || chunkSize < 0 {
		return fmt.Errorf("invalid chunk size line %q", sizeLine)
	}

	if chunkSize == 0 {
		// Trailers follow the final chunk; an empty line ends them.
		for {
			trailer, err := r.reader.ReadString('\n')
			if err != nil && err != io.EOF {
				return err
			}
			if strings.TrimSpace(trailer) == "" || err == io.EOF {
				break
			}
		}
		return io.EOF
	}

	if _, err := io.CopyN(&r.buffer, r.reader, chunkSize); err != nil {
		return fmt.Errorf("truncated chunk data: %w", err)
	}

	// Consume the \r\n that closes the chunk.
	if _, err := r.reader.ReadString('\n'); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (r *ChunkedReader) Close() error {
	return nil
}
