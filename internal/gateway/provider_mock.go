// provider_mock.go — 内置确定性 mock Provider，用于 fallback 与测试 (无网络依赖)。
package gateway

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
)

// MockStyle 决定 mock Provider 对讨论 / 投票请求的回应倾向。
type MockStyle string

const (
	// MockStyleNeutral 讨论返回通用文本，投票返回固定中等分数。
	MockStyleNeutral MockStyle = "neutral"
	// MockStyleOptimist 投票返回高分、总是通过。
	MockStyleOptimist MockStyle = "optimist"
	// MockStyleDissenter 投票返回中等分数 (65) 且不通过，因此永不在最终文档审批中通过。
	MockStyleDissenter MockStyle = "dissenter"
)

// MockProvider 确定性 Provider: 同一输入永远产生同一输出，便于端到端测试。
//
// 风格按 metadata["agent_id"] 在 Styles 中查找，未命中时用 DefaultStyle，二者皆空时为 neutral。
type MockProvider struct {
	DefaultStyle MockStyle
	Styles       map[string]MockStyle // 按 metadata["agent_id"] 覆盖风格
}

// NewMockProvider 创建默认风格为 neutral 的 mock Provider。
func NewMockProvider() *MockProvider {
	return &MockProvider{DefaultStyle: MockStyleNeutral, Styles: make(map[string]MockStyle)}
}

// Generate 实现 Provider。对投票类请求 (ResponseFormat=json_object) 返回结构化 JSON 文本；
// 否则返回一段确定性的讨论文本。
func (p *MockProvider) Generate(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	style := p.DefaultStyle
	if agentID, _ := req.Metadata["agent_id"].(string); agentID != "" {
		if s, ok := p.Styles[agentID]; ok {
			style = s
		}
	}
	if style == "" {
		style = MockStyleNeutral
	}

	if req.ResponseFormat == "json_object" {
		score, pass, rationale := voteByStyle(style)
		text := fmt.Sprintf(`{"score": %d, "pass": %t, "rationale": %q}`, score, pass, rationale)
		return Response{Text: text, Usage: &Usage{PromptTokens: 32, CompletionTokens: 16, TotalTokens: 48}}, nil
	}

	text := discussionByStyle(style, req)
	return Response{Text: text, Usage: &Usage{PromptTokens: 64, CompletionTokens: 48, TotalTokens: 112}}, nil
}

func voteByStyle(style MockStyle) (score int, pass bool, rationale string) {
	switch style {
	case MockStyleOptimist:
		return 90, true, "strong alignment with the topic"
	case MockStyleDissenter:
		return 65, false, "still has unresolved concerns"
	default:
		return 75, true, "reasonable progress"
	}
}

func discussionByStyle(style MockStyle, req Request) string {
	var lastUser string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			lastUser = req.Messages[i].Content
			break
		}
	}
	digest := fingerprint(lastUser)
	switch style {
	case MockStyleOptimist:
		return fmt.Sprintf("I support this direction (ref %s). Let's proceed with the plan as discussed.", digest)
	case MockStyleDissenter:
		return fmt.Sprintf("I have reservations (ref %s). We should address the open risk before moving forward.", digest)
	default:
		return fmt.Sprintf("Here is my input (ref %s): the proposal is workable with minor adjustments.", digest)
	}
}

func fingerprint(s string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.TrimSpace(s)))
	return fmt.Sprintf("%08x", h.Sum32())
}
