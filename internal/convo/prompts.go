package convo

import (
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

//go:embed prompts/english.json
var embeddedPrompts embed.FS

// Prompts maps a prompt key to its template text. Keys are the state names
// plus "intent_detection" and "information_extraction". Templates use
// {history}, {message}, {profile} and {current_profile} placeholders.
type Prompts map[string]string

// LoadPrompts loads the prompt set for a language. When promptDir is set and
// contains <language>/prompts.json, that file overrides the embedded set so
// operators can tune copy without a rebuild. Unknown languages fall back to
// the embedded English prompts.
func LoadPrompts(promptDir, language string) (Prompts, error) {
	if promptDir != "" {
		path := filepath.Join(promptDir, language, "prompts.json")
		data, err := os.ReadFile(path)
		if err == nil {
			var prompts Prompts
			if err := json.Unmarshal(data, &prompts); err != nil {
				return nil, fmt.Errorf("failed to parse prompts file %s: %w", path, err)
			}
			slog.Debug("LoadPrompts loaded override file", "path", path, "language", language, "count", len(prompts))
			return prompts, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read prompts file %s: %w", path, err)
		}
		slog.Debug("LoadPrompts no override file, using embedded prompts", "language", language)
	}

	data, err := embeddedPrompts.ReadFile("prompts/english.json")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded prompts: %w", err)
	}
	var prompts Prompts
	if err := json.Unmarshal(data, &prompts); err != nil {
		return nil, fmt.Errorf("failed to parse embedded prompts: %w", err)
	}
	return prompts, nil
}
