package fleet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zlib"
)

// maxInflatedPayload bounds decompressed detection payloads.
const maxInflatedPayload = 1 << 20

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	var err error
	cborEncMode, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic("fleet: CBOR encoder initialization failed: " + err.Error())
	}
	// Unknown fields are ignored so sensors can add metadata.
	cborDecMode, err = cbor.DecOptions{
		MaxArrayElements: 1024,
	}.DecMode()
	if err != nil {
		panic("fleet: CBOR decoder initialization failed: " + err.Error())
	}
}

// DecodePositionUpdate decodes a detection payload from various formats:
//   - Raw JSON (starts with '{')
//   - Zlib-compressed JSON or CBOR
//   - CBOR map
//
// A payload without a timestamp is stamped with receivedAt.
func DecodePositionUpdate(data []byte, receivedAt time.Time) (PositionUpdateEvent, error) {
	if len(data) == 0 {
		return PositionUpdateEvent{}, fmt.Errorf("empty data")
	}

	if isZlib(data) {
		inflated, err := inflateZlib(data)
		if err != nil {
			return PositionUpdateEvent{}, err
		}
		if len(inflated) == 0 || isZlib(inflated) {
			return PositionUpdateEvent{}, fmt.Errorf("decoded payload is empty")
		}
		data = inflated
	}

	var event PositionUpdateEvent
	switch {
	case data[0] == '{':
		if err := json.Unmarshal(data, &event); err != nil {
			return PositionUpdateEvent{}, fmt.Errorf("parsing detection JSON: %w", err)
		}
	case isCBORMap(data):
		if err := cborDecMode.Unmarshal(data, &event); err != nil {
			return PositionUpdateEvent{}, fmt.Errorf("parsing detection CBOR: %w", err)
		}
	default:
		return PositionUpdateEvent{}, fmt.Errorf("unknown format: not JSON, CBOR, or zlib-compressed")
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = receivedAt
	}
	return event, nil
}

// EncodePositionUpdateCBOR encodes an event in the compact CBOR form.
func EncodePositionUpdateCBOR(event PositionUpdateEvent) ([]byte, error) {
	return cborEncMode.Marshal(event)
}

// isZlib checks for a zlib header: deflate method with a valid check byte.
func isZlib(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	return data[0]&0x0f == 8 && data[0]>>4 <= 7 && (uint16(data[0])<<8|uint16(data[1]))%31 == 0
}

// isCBORMap checks for CBOR major type 5 (map).
func isCBORMap(data []byte) bool {
	return len(data) > 0 && data[0]>>5 == 5
}

// inflateZlib decompresses zlib-compressed data
func inflateZlib(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zlib reader: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()

	decompressed, err := io.ReadAll(io.LimitReader(reader, maxInflatedPayload+1))
	if err != nil {
		return nil, fmt.Errorf("decompressing zlib data: %w", err)
	}
	if len(decompressed) > maxInflatedPayload {
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", maxInflatedPayload)
	}
	return decompressed, nil
}
