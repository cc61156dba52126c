package chat

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GenAIGenerator calls Models.GenerateContent on the Gemini API
type GenAIGenerator struct {
	client *genai.Client
}

// NewGenAIGenerator creates a Gemini API client with the given key
func NewGenAIGenerator(ctx context.Context, apiKey string) (*GenAIGenerator, error) {
	return newGenAIGenerator(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
}

func newGenAIGenerator(ctx context.Context, cc *genai.ClientConfig) (*GenAIGenerator, error) {
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GenAIGenerator{client: client}, nil
}

// Generate sends the whole history; assistant turns map to the model role
func (g *GenAIGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, req.Model, toContents(req.History), &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemInstruction}},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

func toContents(history []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, m := range history {
		var role genai.Role = genai.RoleModel
		if m.Role == RoleUser {
			role = genai.RoleUser
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	return contents
}
