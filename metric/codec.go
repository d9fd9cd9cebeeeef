package metric

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/drblury/metricflow/internal/runtime/jsoncodec"
)

// wireRequest is the JSON frame layout. Pointers distinguish absent fields
// from zero values.
type wireRequest struct {
	Type      string            `json:"type"`
	Name      string            `json:"name"`
	Timestamp *int64            `json:"timestamp"`
	Value     *float64          `json:"value"`
	Tags      map[string]string `json:"tags"`
}

// Decoder turns frames into requests. A frame is either a JSON object
//
//	{"type":"flow_user","name":"reads","timestamp":1700000000,"value":3,"tags":{"flow":"f1"}}
//
// or the space separated text form
//
//	flow_user reads 1700000000 3 flow=f1
//
// Anything that cannot be decoded, names an unknown type, or lacks a metric
// name yields a request with Valid=false. Decode never returns an error.
type Decoder struct {
	known map[Type]struct{}
	now   func() time.Time
}

// NewDecoder recognises the builtin types plus the supplied custom types.
func NewDecoder(custom ...Type) *Decoder {
	d := &Decoder{
		known: make(map[Type]struct{}, len(custom)+3),
		now:   time.Now,
	}
	for _, t := range BuiltinTypes() {
		d.known[t] = struct{}{}
	}
	for _, t := range custom {
		if t != "" {
			d.known[t] = struct{}{}
		}
	}
	return d
}

// Known reports whether t is accepted by the decoder.
func (d *Decoder) Known(t Type) bool {
	_, ok := d.known[t]
	return ok
}

// Decode parses a single frame. Surrounding whitespace is ignored.
// The returned request owns a copy of frame, so callers may reuse buffers.
func (d *Decoder) Decode(frame []byte) Request {
	frame = bytes.Clone(frame)
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 {
		return InvalidRequest(frame)
	}

	var (
		req Request
		err error
	)
	if trimmed[0] == '{' {
		req, err = d.decodeJSON(trimmed)
	} else {
		req, err = d.decodeText(string(trimmed))
	}
	if err != nil {
		return InvalidRequest(frame)
	}
	if !d.Known(req.Type) || req.Name == "" || math.IsNaN(req.Value) {
		return InvalidRequest(frame)
	}
	if req.Timestamp == 0 {
		req.Timestamp = d.now().Unix()
	}
	req.Valid = true
	req.Raw = frame
	return req
}

func (d *Decoder) decodeJSON(frame []byte) (Request, error) {
	var wire wireRequest
	if err := jsoncodec.Unmarshal(frame, &wire); err != nil {
		return Request{}, err
	}
	if wire.Value == nil {
		return Request{}, fmt.Errorf("missing value")
	}
	req := Request{
		Type:  ParseType(wire.Type),
		Name:  strings.TrimSpace(wire.Name),
		Value: *wire.Value,
		Tags:  wire.Tags,
	}
	if wire.Timestamp != nil {
		req.Timestamp = *wire.Timestamp
	}
	return req, nil
}

func (d *Decoder) decodeText(frame string) (Request, error) {
	fields := strings.Fields(frame)
	if len(fields) < 4 {
		return Request{}, fmt.Errorf("expected at least 4 fields, got %d", len(fields))
	}

	ts, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Request{}, fmt.Errorf("timestamp: %w", err)
	}
	value, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return Request{}, fmt.Errorf("value: %w", err)
	}

	req := Request{
		Type:      ParseType(fields[0]),
		Name:      fields[1],
		Timestamp: ts,
		Value:     value,
	}
	if len(fields) > 4 {
		req.Tags = make(map[string]string, len(fields)-4)
		for _, pair := range fields[4:] {
			key, val, ok := strings.Cut(pair, "=")
			if !ok || key == "" {
				return Request{}, fmt.Errorf("malformed tag %q", pair)
			}
			req.Tags[key] = val
		}
	}
	return req, nil
}

// EncodeRequest renders a request as a JSON frame (without trailing newline).
func EncodeRequest(req Request) ([]byte, error) {
	wire := wireRequest{
		Type:      req.Type.String(),
		Name:      req.Name,
		Timestamp: &req.Timestamp,
		Value:     &req.Value,
		Tags:      req.Tags,
	}
	return jsoncodec.Marshal(wire)
}

// EncodeResponse renders a response as a newline-terminated JSON frame.
func EncodeResponse(resp Response) ([]byte, error) {
	return jsoncodec.MarshalLine(resp)
}

// DecodeResponse parses a response frame written by EncodeResponse.
func DecodeResponse(frame []byte) (Response, error) {
	var resp Response
	if err := jsoncodec.Unmarshal(bytes.TrimSpace(frame), &resp); err != nil {
		return Response{}, err
	}
	switch resp.Status {
	case StatusSuccess, StatusFailed, StatusInvalid:
		return resp, nil
	}
	return Response{}, fmt.Errorf("unknown status %q", resp.Status)
}
