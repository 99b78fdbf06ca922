package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Placeholder tokens understood by the stack templates. The set is a contract
// with the template files shipped at the repository root.
const (
	TokenMinienvVersion     = "$minienvVersion"
	TokenInternalLogPort    = "$internalLogPort"
	TokenInternalEditorPort = "$internalEditorPort"
	TokenInternalProxyPort  = "$internalProxyPort"
	TokenExternalLogPort    = "$externalLogPort"
	TokenExternalEditorPort = "$externalEditorPort"
	TokenExternalProxyPort  = "$externalProxyPort"
	TokenGitRepo            = "$gitRepo"
	TokenAllowOrigin        = "$allowOrigin"
	TokenVolumeName         = "$volumeName"
	TokenProvisionImages    = "$provisionImages"
)

// Render substitutes every token in values into tmpl. Longer tokens win over
// tokens that are their prefix.
func Render(tmpl []byte, values map[string]string) []byte {
	tokens := make([]string, 0, len(values))
	for tok := range values {
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if len(tokens[i]) != len(tokens[j]) {
			return len(tokens[i]) > len(tokens[j])
		}
		return tokens[i] < tokens[j]
	})

	pairs := make([]string, 0, 2*len(tokens))
	for _, tok := range tokens {
		pairs = append(pairs, tok, values[tok])
	}
	return []byte(strings.NewReplacer(pairs...).Replace(string(tmpl)))
}

// RenderFile reads the template at src, renders it and writes the result to dest.
func RenderFile(src, dest string, values map[string]string) error {
	tmpl, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read template: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create stack dir: %w", err)
	}
	if err := os.WriteFile(dest, Render(tmpl, values), 0o644); err != nil {
		return fmt.Errorf("failed to write compose file: %w", err)
	}
	return nil
}
