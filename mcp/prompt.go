// Copyright 2025 The mcpgo Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"errors"
)

// A PromptHandler handles a call to prompts/get for a single registered
// prompt.
type PromptHandler func(ctx context.Context, req *GetPromptRequest) (*GetPromptResult, error)

// A ServerPrompt is a prompt definition bound to a handler.
type ServerPrompt struct {
	Prompt  *Prompt
	Handler PromptHandler
}

func newServerPrompt(p *Prompt, h PromptHandler) (*ServerPrompt, error) {
	if p.Name == "" {
		return nil, errors.New("prompt must have a name")
	}
	return &ServerPrompt{Prompt: p, Handler: h}, nil
}
