package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/hearth/internal/tools"
)

const planInstructions = `You are the planning step of an assistant runtime.
Given the conversation and the available tools, decide what to do with the
latest user message. Reply with a single JSON object:

{"goal": "...", "plan_steps": ["..."], "tool_calls": [{"name": "...", "args": {}}], "next_action": "tool"}

next_action is one of "tool", "respond", "ask_user".
Use "respond" with a "message" field when no tool is needed.
Use "ask_user" with a "question" field when required information is missing.
Only use tools from the provided list.`

const planStrictRetry = `Your previous reply was not valid. Respond with ONLY
the JSON object described above, no prose, no code fences.`

const reflectInstructions = `You are the reflection step of an assistant
runtime. Given the original request and the steps taken so far, decide the
next action. Reply with a single JSON object:

{"next_action": "tool", "tool_calls": [{"name": "...", "args": {}}]}

next_action is one of "tool", "respond", "ask_user". Use "respond" when the
request is satisfied or nothing further can help. Use "ask_user" with a
"question" field only when the user must supply missing information.
Do not repeat a tool call that already succeeded.`

const observeInstructions = `You are a scheduling assistant following a
strict protocol. Reply with ONLY one JSON object, exactly one of:

{"action": "tool_call", "tool": "...", "args": {}}
{"action": "need_info", "question": "..."}
{"action": "final", "message": "..."}
{"action": "sub_goal", "description": "..."}

Use tool_call for scheduling operations (cron.add, cron.update,
cron.remove, cron.list). Use need_info when a required detail is missing.
Use final to answer without tools. Use sub_goal only to decompose a
request that needs multiple steps.`

const writeInstructions = `Compose the final reply to the user. Be concise
and direct. Base the reply only on the request and the recorded steps; do
not invent results.`

func specsBlock(specs []tools.Spec) string {
	if len(specs) == 0 {
		return "(no tools available)"
	}
	var b strings.Builder
	for _, s := range specs {
		params, _ := json.Marshal(json.RawMessage(s.Parameters))
		fmt.Fprintf(&b, "- %s: %s\n  parameters: %s\n", s.Name, s.Description, params)
	}
	return b.String()
}

func planSystemPrompt(specs []tools.Spec) string {
	return planInstructions + "\n\nAvailable tools:\n" + specsBlock(specs)
}

func reflectSystemPrompt(specs []tools.Spec) string {
	return reflectInstructions + "\n\nAvailable tools:\n" + specsBlock(specs)
}

func observeSystemPrompt(specs []tools.Spec, pendingDecision string) string {
	prompt := observeInstructions + "\n\nAvailable tools:\n" + specsBlock(specs)
	if pendingDecision != "" {
		prompt += "\n\nYou previously asked the user: " + pendingDecision +
			"\nTreat the new message as the answer and continue from there."
	}
	return prompt
}

func writeSystemPrompt(persona string) string {
	if persona == "" {
		return writeInstructions
	}
	return persona + "\n\n" + writeInstructions
}
