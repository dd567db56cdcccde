package agentapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Input is one entry of the ordered conversation input list.
type Input struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type startConversationRequest struct {
	AgentID string  `json:"agent_id"`
	Inputs  []Input `json:"inputs"`
	Store   bool    `json:"store"`
}

// Conversation is the decoded result of one generation call.
type Conversation struct {
	ID      string
	Entries []Entry
}

// StartConversation issues one generation call with inputs oldest first.
func (c *Client) StartConversation(ctx context.Context, agentID string, inputs []Input) (Conversation, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return Conversation{}, errors.New("missing agent id")
	}
	if len(inputs) == 0 {
		return Conversation{}, errors.New("empty conversation input")
	}
	body, err := c.doJSON(ctx, http.MethodPost, "/v1/conversations", nil, startConversationRequest{
		AgentID: agentID,
		Inputs:  inputs,
	})
	if err != nil {
		return Conversation{}, err
	}
	return DecodeConversation(body), nil
}
