package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go
// templates: {{.AGENTBRIDGE_ORIGIN}} is replaced with the variable's value.
// Shell-style $VAR and ${VAR} are left untouched, so origin patterns and
// other values may contain literal dollar signs.
//
// Missing variables expand to the empty string. Content that is not a
// valid template is returned unchanged and left to the YAML parser.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("agentbridge").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			env[key] = value
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
