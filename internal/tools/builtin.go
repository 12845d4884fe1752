package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// BuiltinProvider contributes the small set of general skills that ship
// with the runtime. Real deployments add more providers at startup.
type BuiltinProvider struct {
	HomeDir string
}

func (p *BuiltinProvider) Tools() []Descriptor {
	return []Descriptor{
		{
			Name:        "time.now",
			Description: "Return the current date and time.",
			Schema:      json.RawMessage(`{"type": "object", "properties": {}}`),
			Handler: func(ctx context.Context, call *Call) (string, error) {
				return time.Now().Format(time.RFC1123), nil
			},
		},
		{
			Name:        "echo",
			Description: "Echo a message back. Useful as a reminder payload.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {"message": {"type": "string"}},
				"required": ["message"]
			}`),
			Handler: func(ctx context.Context, call *Call) (string, error) {
				msg, _ := call.Args["message"].(string)
				return msg, nil
			},
		},
		{
			Name:        "note.append",
			Description: "Append a line to the owner's notes file.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {"message": {"type": "string"}},
				"required": ["message"]
			}`),
			Handler: p.appendNote,
		},
	}
}

func (p *BuiltinProvider) appendNote(ctx context.Context, call *Call) (string, error) {
	msg, _ := call.Args["message"].(string)
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "", fmt.Errorf("empty note")
	}
	dir := filepath.Join(p.HomeDir, "notes")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create notes dir: %w", err)
	}
	path := filepath.Join(dir, call.OwnerID+".md")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open notes: %w", err)
	}
	defer f.Close()
	line := fmt.Sprintf("- %s %s\n", time.Now().Format("2006-01-02 15:04"), msg)
	if _, err := f.WriteString(line); err != nil {
		return "", fmt.Errorf("write note: %w", err)
	}
	return "noted", nil
}
