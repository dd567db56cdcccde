package agentapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

type ToolType string

const (
	ToolWebSearch       ToolType = "web_search"
	ToolCodeInterpreter ToolType = "code_interpreter"
	ToolImageGeneration ToolType = "image_generation"
	ToolDocumentLibrary ToolType = "document_library"
)

type Tool struct {
	Type       ToolType `json:"type"`
	LibraryIDs []string `json:"library_ids,omitempty"`
}

// Agent is a remote agent descriptor.
type Agent struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name"`
	Model        string `json:"model"`
	Description  string `json:"description,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	Tools        []Tool `json:"tools"`
}

// AgentUpdate is a partial update; nil fields are left unchanged.
type AgentUpdate struct {
	Model        *string `json:"model,omitempty"`
	Instructions *string `json:"instructions,omitempty"`
	Tools        []Tool  `json:"tools"`
}

func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	q := url.Values{}
	q.Set("page_size", "100")
	body, err := c.doJSON(ctx, http.MethodGet, "/v1/agents", q, nil)
	if err != nil {
		return nil, err
	}
	items := listItems(body)
	out := make([]Agent, 0, len(items))
	for _, it := range items {
		id := strings.TrimSpace(it.Get("id").String())
		if id == "" {
			continue
		}
		out = append(out, Agent{
			ID:           id,
			Name:         it.Get("name").String(),
			Model:        it.Get("model").String(),
			Description:  it.Get("description").String(),
			Instructions: it.Get("instructions").String(),
		})
	}
	return out, nil
}

func (c *Client) CreateAgent(ctx context.Context, a Agent) (Agent, error) {
	if strings.TrimSpace(a.Name) == "" || strings.TrimSpace(a.Model) == "" {
		return Agent{}, errors.New("agent name and model are required")
	}
	if a.Tools == nil {
		a.Tools = []Tool{}
	}
	a.ID = ""
	body, err := c.doJSON(ctx, http.MethodPost, "/v1/agents", nil, a)
	if err != nil {
		return Agent{}, err
	}
	id, err := idFrom(body)
	if err != nil {
		return Agent{}, err
	}
	a.ID = id
	return a, nil
}

func (c *Client) UpdateAgent(ctx context.Context, agentID string, upd AgentUpdate) error {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return errors.New("missing agent id")
	}
	if upd.Tools == nil {
		upd.Tools = []Tool{}
	}
	_, err := c.doJSON(ctx, http.MethodPatch, "/v1/agents/"+url.PathEscape(agentID), nil, upd)
	return err
}

// EnsureAgent returns the id of the agent named name, creating it when absent.
func (c *Client) EnsureAgent(ctx context.Context, name string, model string) (string, error) {
	name = strings.TrimSpace(name)
	agents, err := c.ListAgents(ctx)
	if err != nil {
		return "", err
	}
	for _, a := range agents {
		if strings.TrimSpace(a.Name) == name {
			return a.ID, nil
		}
	}
	created, err := c.CreateAgent(ctx, Agent{Name: name, Model: model})
	if err != nil {
		return "", err
	}
	c.log.Info("agent created", "agent_id", created.ID, "name", name)
	return created.ID, nil
}
