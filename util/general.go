package util

import (
	"bytes"
	"os"

	"gopkg.in/yaml.v3"
)

// UnmarshalFileInto handles YAML config file processing. Keys with no
// matching field in dest are reported as errors.
func UnmarshalFileInto(file *string, dest interface{}) (err error) {
	b, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	return dec.Decode(dest)
}
