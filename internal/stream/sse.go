package stream

import (
	"bufio"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

const maxEventBytes = 32 << 20

// Decoder reads server-sent events from an upstream body.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r. Lines up to 32 MiB are accepted to carry inline image payloads.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)
	return &Decoder{scanner: scanner}
}

// Next returns the next complete event, or io.EOF when the body is exhausted.
func (d *Decoder) Next() (Event, error) {
	var (
		name    string
		data    bytes.Buffer
		hasData bool
	)

	for d.scanner.Scan() {
		line := strings.TrimSuffix(d.scanner.Text(), "\r")

		if line == "" {
			if hasData {
				return Event{Name: name, Data: data.Bytes()}, nil
			}
			name = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		}
	}

	if err := d.scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("read upstream stream: %w", err)
	}
	if hasData {
		return Event{Name: name, Data: data.Bytes()}, nil
	}
	return Event{}, io.EOF
}

// Decompress wraps body according to its Content-Encoding.
func Decompress(body io.ReadCloser, encoding string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("open gzip body: %w", err)
		}
		return readCloser{Reader: gz, close: func() error {
			gz.Close()
			return body.Close()
		}}, nil
	case "br":
		return readCloser{Reader: brotli.NewReader(body), close: body.Close}, nil
	case "deflate":
		fl := flate.NewReader(body)
		return readCloser{Reader: fl, close: func() error {
			fl.Close()
			return body.Close()
		}}, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error {
	return r.close()
}
