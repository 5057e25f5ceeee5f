package export

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"anpr-edge/internal/domain/anpr"
)

type Codec string

const (
	CodecJSON    Codec = "json"
	CodecMsgpack Codec = "msgpack"
)

// Encode serializes an event. msgpack reuses the json field names so both
// codecs produce the same keys.
func (c Codec) Encode(event anpr.PlateEvent) ([]byte, error) {
	switch c {
	case CodecJSON, "":
		return json.Marshal(event)
	case CodecMsgpack:
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		enc.SetCustomStructTag("json")
		if err := enc.Encode(event); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unknown codec %q", c)
}

func (c Codec) ContentType() string {
	if c == CodecMsgpack {
		return "application/msgpack"
	}
	return "application/json"
}
