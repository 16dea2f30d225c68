package aquiles

import (
	json "github.com/goccy/go-json"
)

// Marshal and Unmarshal are the codec for every wire document.

func Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
