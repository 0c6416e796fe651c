package config

import "os"

// ExpandEnv expands ${VAR} and $VAR references in YAML content against the
// process environment, matching the teacher's own pkg/config.ExpandEnv.
// Missing variables expand to an empty string; validateConfig is what
// catches a required field left empty this way.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
