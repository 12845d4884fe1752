package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/hearth/internal/store"
)

// Scheduling tool names. These resolve ahead of the general registry.
const (
	ToolCronAdd    = "cron.add"
	ToolCronUpdate = "cron.update"
	ToolCronRemove = "cron.remove"
	ToolCronList   = "cron.list"
)

var scheduleSchemaFragment = `{
	"type": "object",
	"properties": {
		"kind": {"type": "string", "enum": ["cron", "every", "once"]},
		"expr": {"type": "string"},
		"every_seconds": {"type": "integer"},
		"at": {"type": "string"}
	},
	"required": ["kind"]
}`

// RegisterScheduling installs the cron.* fast-path handlers.
func RegisterScheduling(r *Registry) error {
	descs := []Descriptor{
		{
			Name:        ToolCronAdd,
			Description: "Create a recurring or one-shot scheduled job that invokes a tool.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"schedule": ` + scheduleSchemaFragment + `,
					"tool": {"type": "string"},
					"args": {"type": "object"},
					"isolation": {"type": "string", "enum": ["main", "isolated"]}
				},
				"required": ["schedule", "tool"]
			}`),
			Handler: handleCronAdd,
		},
		{
			Name:        ToolCronUpdate,
			Description: "Update the schedule or payload of an existing scheduled job.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"id": {"type": "string"},
					"schedule": ` + scheduleSchemaFragment + `,
					"tool": {"type": "string"},
					"args": {"type": "object"}
				},
				"required": ["id"]
			}`),
			Handler: handleCronUpdate,
		},
		{
			Name:        ToolCronRemove,
			Description: "Delete a scheduled job. Past run records are kept.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {"id": {"type": "string"}},
				"required": ["id"]
			}`),
			Handler: handleCronRemove,
		},
		{
			Name:        ToolCronList,
			Description: "List the caller's scheduled jobs.",
			Schema:      json.RawMessage(`{"type": "object", "properties": {}}`),
			Handler:     handleCronList,
		},
	}
	for _, d := range descs {
		if err := r.registerScheduling(d); err != nil {
			return err
		}
	}
	return nil
}

func decodeSchedule(v any) (store.Schedule, error) {
	var sch store.Schedule
	raw, err := json.Marshal(v)
	if err != nil {
		return sch, fmt.Errorf("%w: %v", store.ErrBadSchedule, err)
	}
	if err := json.Unmarshal(raw, &sch); err != nil {
		return sch, fmt.Errorf("%w: %v", store.ErrBadSchedule, err)
	}
	return sch, nil
}

func handleCronAdd(ctx context.Context, call *Call) (string, error) {
	sch, err := decodeSchedule(call.Args["schedule"])
	if err != nil {
		return "", err
	}
	toolName, _ := call.Args["tool"].(string)
	payloadArgs, _ := call.Args["args"].(map[string]any)
	isolation, _ := call.Args["isolation"].(string)

	job := store.CronJob{
		OwnerID:   call.OwnerID,
		Schedule:  sch,
		Payload:   store.Payload{Tool: toolName, Args: payloadArgs},
		Isolation: isolation,
	}
	if err := call.Session.AddJob(ctx, &job); err != nil {
		return "", err
	}
	out, err := json.Marshal(map[string]any{
		"id":          job.ID,
		"next_run_at": job.NextRunAt,
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func handleCronUpdate(ctx context.Context, call *Call) (string, error) {
	id, _ := call.Args["id"].(string)
	job, err := call.Session.Store().GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	if job.OwnerID != call.OwnerID {
		return "", store.ErrNotFound
	}

	if rawSch, ok := call.Args["schedule"]; ok {
		sch, err := decodeSchedule(rawSch)
		if err != nil {
			return "", err
		}
		job.Schedule = sch
	}
	if toolName, ok := call.Args["tool"].(string); ok && toolName != "" {
		job.Payload.Tool = toolName
	}
	if payloadArgs, ok := call.Args["args"].(map[string]any); ok {
		job.Payload.Args = payloadArgs
	}

	if err := call.Session.UpdateJob(ctx, job); err != nil {
		return "", err
	}
	out, err := json.Marshal(map[string]any{
		"id":          job.ID,
		"next_run_at": job.NextRunAt,
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func handleCronRemove(ctx context.Context, call *Call) (string, error) {
	id, _ := call.Args["id"].(string)
	if err := call.Session.RemoveJob(ctx, call.OwnerID, id); err != nil {
		return "", err
	}
	return fmt.Sprintf(`{"removed":%q}`, id), nil
}

func handleCronList(ctx context.Context, call *Call) (string, error) {
	jobs, err := call.Session.Store().ListJobs(ctx, call.OwnerID)
	if err != nil {
		return "", err
	}
	type summary struct {
		ID        string         `json:"id"`
		Schedule  store.Schedule `json:"schedule"`
		Tool      string         `json:"tool"`
		Isolation string         `json:"isolation"`
		NextRunAt *time.Time     `json:"next_run_at,omitempty"`
		Enabled   bool           `json:"enabled"`
	}
	out := make([]summary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, summary{
			ID:        j.ID,
			Schedule:  j.Schedule,
			Tool:      j.Payload.Tool,
			Isolation: j.Isolation,
			NextRunAt: j.NextRunAt,
			Enabled:   j.Enabled,
		})
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
