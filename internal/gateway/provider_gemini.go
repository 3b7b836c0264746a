// provider_gemini.go — Gemini generateContent API Provider.
//
// Same reasoning as provider_anthropic.go: no Gemini SDK is present anywhere in
// the retrieved pack, so this is a direct net/http call to generativelanguage's
// REST surface rather than a fabricated dependency.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/multi-agent/go-meeting-orchestrator/pkg/errors"
)

// GeminiProvider calls the Gemini generateContent REST API.
type GeminiProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewGeminiProvider creates a Gemini Provider.
func NewGeminiProvider(apiKey, baseURL string) *GeminiProvider {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	return &GeminiProvider{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent        `json:"systemInstruction,omitempty"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	ResponseMIMEType string `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// Generate implements Provider.
func (p *GeminiProvider) Generate(ctx context.Context, req Request) (Response, error) {
	body := geminiRequest{
		GenerationConfig: geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		},
	}
	if req.ResponseFormat == "json_object" {
		body.GenerationConfig.ResponseMIMEType = "application/json"
	}
	for _, m := range req.Messages {
		if m.Role == "system" {
			sys := geminiContent{Parts: []geminiPart{{Text: m.Content}}}
			body.SystemInstruction = &sys
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		body.Contents = append(body.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, apperrors.Wrap(err, "GeminiProvider.Generate", "marshal request")
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", p.baseURL, req.Model, url.QueryEscape(p.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Response{}, apperrors.Wrap(err, "GeminiProvider.Generate", "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, classifyNetError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, apperrors.Wrap(err, "GeminiProvider.Generate", "read body")
	}

	if resp.StatusCode >= 300 {
		return Response{}, &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(raw), Err: fmt.Errorf("gemini: status %d after %s", resp.StatusCode, time.Since(start))}
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "json") {
		return Response{}, &MalformedResponseError{Reason: "non-JSON content-type: " + ct}
	}

	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, &MalformedResponseError{Reason: "invalid JSON body: " + err.Error()}
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return Response{}, &MalformedResponseError{Reason: "no candidates returned"}
	}

	return Response{
		Text: parsed.Candidates[0].Content.Parts[0].Text,
		Usage: &Usage{
			PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
			CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      parsed.UsageMetadata.TotalTokenCount,
		},
		Raw: parsed,
	}, nil
}
