package messagestore

import (
	"encoding/json"
	"fmt"
)

// marshalContent encodes content for a json-carrying medium.
func marshalContent(content interface{}) ([]byte, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("content is not json-serializable: %w", err)
	}
	return raw, nil
}

// decodeBody returns the json decoding of raw when it parses, the raw bytes
// otherwise.
func decodeBody(raw []byte) interface{} {
	var content interface{}
	if err := json.Unmarshal(raw, &content); err != nil {
		return raw
	}
	return content
}
