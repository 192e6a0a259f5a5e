// Package otlp normalizes OTLP/HTTP request bodies to OTLP-JSON.
package otlp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/agent-command/axel/internal/events"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	collogs "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetrics "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// DefaultMaxBodySize bounds a decompressed request body.
const DefaultMaxBodySize = 16 << 20

var (
	// ErrMalformed marks bodies that cannot be decoded (HTTP 400).
	ErrMalformed = errors.New("malformed otlp body")
	// ErrUnsupportedEncoding marks an unknown Content-Encoding (HTTP 415).
	ErrUnsupportedEncoding = errors.New("unsupported content encoding")
	// ErrTooLarge marks a body over the size limit (HTTP 413).
	ErrTooLarge = errors.New("otlp body too large")
)

// Decompress wraps r according to a Content-Encoding header value.
func Decompress(encoding string, r io.Reader) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return io.NopCloser(r), nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrMalformed, err)
		}
		return zr, nil
	case "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrMalformed, err)
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}
}

// IsProtobuf reports whether a Content-Type header names a protobuf body.
func IsProtobuf(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/x-protobuf" || mediaType == "application/protobuf"
}

// ReadBody decompresses the body, enforces maxSize, and converts protobuf
// export requests to OTLP-JSON. JSON bodies are returned as read.
func ReadBody(signal events.OtelEventType, contentType, contentEncoding string, r io.Reader, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxBodySize
	}

	rc, err := Decompress(contentEncoding, r)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	body, err := io.ReadAll(io.LimitReader(rc, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read: %w", ErrMalformed, err)
	}
	if int64(len(body)) > maxSize {
		return nil, ErrTooLarge
	}

	if !IsProtobuf(contentType) {
		return body, nil
	}
	return ProtoToJSON(signal, body)
}

// ProtoToJSON decodes a binary Export*ServiceRequest and re-encodes it with
// protojson, which uses the lowerCamelCase OTLP-JSON field names.
func ProtoToJSON(signal events.OtelEventType, body []byte) ([]byte, error) {
	msg, err := newRequest(signal)
	if err != nil {
		return nil, err
	}
	if err := proto.Unmarshal(body, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, signal, err)
	}
	out, err := protojson.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s as json: %w", signal, err)
	}
	// protojson randomizes whitespace between runs.
	var buf bytes.Buffer
	if err := json.Compact(&buf, out); err != nil {
		return nil, fmt.Errorf("compact %s json: %w", signal, err)
	}
	return buf.Bytes(), nil
}

func newRequest(signal events.OtelEventType) (proto.Message, error) {
	switch signal {
	case events.Metrics:
		return &colmetrics.ExportMetricsServiceRequest{}, nil
	case events.Traces:
		return &coltrace.ExportTraceServiceRequest{}, nil
	case events.Logs:
		return &collogs.ExportLogsServiceRequest{}, nil
	}
	return nil, fmt.Errorf("unknown otel signal %d", int(signal))
}
