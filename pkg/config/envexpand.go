package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv substitutes {{.VAR}} references in raw config bytes with values
// from the process environment. Template syntax is used instead of $VAR so
// secrets and shell fragments carrying literal dollar signs pass through
// untouched. Unset variables render as empty strings; the validator rejects
// required fields left empty. Content that does not parse as a template is
// returned unchanged.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New(ConfigFileName).Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, environMap()); err != nil {
		return data
	}
	return buf.Bytes()
}

// environMap snapshots the process environment, splitting on the first "="
// so values containing "=" survive.
func environMap() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			env[key] = value
		}
	}
	return env
}
