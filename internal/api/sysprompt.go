package api

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// applySystemPromptOverride merges the configured system prompt file into the
// request body. Mode "overwrite" replaces the client's system field; "append"
// adds the override after whatever the client sent. When the resolved prompt
// changed since the last request, it is written back to the last-seen file so
// operators can inspect what clients currently run with.
func (s *Server) applySystemPromptOverride(body []byte) []byte {
	if s.cfg.SystemPromptFilePath == "" {
		return body
	}
	data, err := os.ReadFile(s.cfg.SystemPromptFilePath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("system prompt file unreadable: %v", err)
		}
		return body
	}
	override := strings.TrimSpace(string(data))
	if override == "" {
		return body
	}

	resolved := override
	if s.cfg.SystemPromptMode == "append" {
		if existing := textOf(gjson.GetBytes(body, "system")); existing != "" {
			resolved = existing + "\n\n" + override
		}
	}

	out, err := sjson.SetBytes(body, "system", resolved)
	if err != nil {
		log.Warnf("apply system prompt override: %v", err)
		return body
	}
	s.rememberSystemPrompt(resolved)
	return out
}

// rememberSystemPrompt persists the resolved prompt to the last-seen file
// whenever it changes.
func (s *Server) rememberSystemPrompt(resolved string) {
	s.sysMu.Lock()
	changed := resolved != s.lastSystemPrompt
	if changed {
		s.lastSystemPrompt = resolved
	}
	s.sysMu.Unlock()
	if !changed {
		return
	}
	path := s.cfg.SystemPromptFilePath + ".last"
	if err := os.WriteFile(path, []byte(resolved), 0o600); err != nil {
		log.Warnf("write last-seen system prompt: %v", err)
	}
}

// textOf flattens a Claude system or content value, which is either a plain
// string or an array of text blocks.
func textOf(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	if !v.IsArray() {
		return ""
	}
	var parts []string
	v.ForEach(func(_, blk gjson.Result) bool {
		if t := blk.Get("text").String(); t != "" {
			parts = append(parts, t)
		}
		return true
	})
	return strings.Join(parts, "\n")
}
