// Package specki provides small JSON file encode/decode helpers shared
// by the runtime-invocation glue, standing in for the teacher's
// pkg/specki package that its call sites reference.
package specki

import (
	"encoding/json"
	"fmt"
	"os"
)

// DecodeJSONFile reads the JSON document at path into v.
func DecodeJSONFile(path string, v interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// EncodeJSONFile writes v as JSON to path, opened with the given flags
// and mode. Typical flags are os.O_EXCL|os.O_CREATE|os.O_RDWR.
func EncodeJSONFile(path string, v interface{}, flags int, mode os.FileMode) error {
	f, err := os.OpenFile(path, flags, mode)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return nil
}
