package cliutil

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[redacted]"

var (
	templateVarPattern = regexp.MustCompile(`\$\{[^}]+\}`)
	secretKeyPattern   = regexp.MustCompile(`(?i)\b([A-Za-z0-9_]*(?:` + strings.Join(secretKeyWords, "|") + `)[A-Za-z0-9_]*)(\s*[:=]\s*)(["']?)([^"',\s]+)(["']?)`)
)

// secretKeyWords mark an argument or log assignment as sensitive when they
// appear anywhere in its key.
var secretKeyWords = []string{"password", "passwd", "secret", "token", "api_key", "apikey", "credential"}

// RedactSecrets masks ${VAR} references and the values of sensitive
// key=value assignments. Session arguments are comma separated, so a value
// ends at the first comma.
func RedactSecrets(message string) string {
	if message == "" {
		return message
	}
	redacted := templateVarPattern.ReplaceAllString(message, "${"+redactedPlaceholder+"}")
	return secretKeyPattern.ReplaceAllString(redacted, "$1$2$3"+redactedPlaceholder+"$5")
}
