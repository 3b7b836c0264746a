// Package gateway 提供统一的文本生成操作 generate_text，屏蔽 Provider 间的
// 请求/响应差异，并实现 "auto" 虚拟 Provider 的按 model 前缀路由。
//
// Provider 的具体补全解析只属于本包，编排器只看到 text。
package gateway

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/multi-agent/go-meeting-orchestrator/pkg/errors"
	"github.com/multi-agent/go-meeting-orchestrator/pkg/logger"
)

// Message 一条供 Provider 消费的对话消息。
type Message struct {
	Role    string // system | user | assistant
	Content string
}

// Usage 一次生成调用的 token 统计 (Provider 可省略)。
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Request 一次 generate_text 调用的全部入参。
type Request struct {
	ProviderID     string
	Model          string
	Messages       []Message
	Temperature    float64
	MaxTokens      int
	Timeout        time.Duration
	ResponseFormat string // "" | "json_object"
	Metadata       map[string]any
}

// Response generate_text 的返回值。
type Response struct {
	Text  string
	Usage *Usage
	Raw   any
}

// Provider 单个上游供应商的文本生成能力。
type Provider interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// AutoProviderID 虚拟 Provider，按 model 前缀路由到真实 Provider。
const AutoProviderID = "auto"

// MockProviderID 内置确定性 mock Provider，用于 fallback 与测试。
const MockProviderID = "mock"

// Gateway 聚合已注册的 Provider，并实现统一的 generate_text 契约。
type Gateway struct {
	providers     map[string]Provider
	fallbackOrder []string // auto 路由在前缀均不匹配时的唯一回退顺序
}

// New 创建一个空的 Gateway；调用方通过 Register 注册 Provider。
func New() *Gateway {
	return &Gateway{providers: make(map[string]Provider)}
}

// Register 注册一个具名 Provider。重复注册会覆盖旧实现。
func (g *Gateway) Register(id string, p Provider) {
	g.providers[id] = p
	g.fallbackOrder = append(g.fallbackOrder, id)
}

// GenerateText 执行一次文本生成。未知 provider_id 返回错误；
// provider_id="auto" 按 model 前缀路由；调用方负责通过 ctx 传递协作式取消。
func (g *Gateway) GenerateText(ctx context.Context, req Request) (Response, error) {
	providerID := req.ProviderID
	if providerID == AutoProviderID {
		providerID = routeByModel(req.Model, g.fallbackOrder)
	}

	p, ok := g.providers[providerID]
	if !ok {
		return Response{}, apperrors.Wrap(apperrors.ErrInvalidInput, "Gateway.GenerateText", "unknown provider: "+providerID)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := timeNow()
	resp, err := p.Generate(callCtx, req)
	latency := timeNow().Sub(start)

	if err != nil {
		if apperrors.IsCancellation(err) {
			return Response{}, err
		}
		logger.Warnw("gateway call failed",
			logger.FieldProvider, providerID,
			"model", req.Model,
			logger.FieldLatencyMS, latency.Milliseconds(),
			logger.FieldError, err,
		)
		return Response{}, err
	}

	logger.Infow("gateway call succeeded",
		logger.FieldProvider, providerID,
		"model", req.Model,
		logger.FieldLatencyMS, latency.Milliseconds(),
	)
	return resp, nil
}

// routeByModel 实现 "auto" 路由规则: gpt*/o1*/o3* -> openai, claude* -> anthropic,
// gemini* -> gemini, 否则落到注册顺序中第一个非 auto/mock Provider。
func routeByModel(model string, registered []string) string {
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt"), strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"):
		return "openai"
	case strings.HasPrefix(lower, "claude"):
		return "anthropic"
	case strings.HasPrefix(lower, "gemini"):
		return "gemini"
	}
	for _, id := range registered {
		if id != AutoProviderID && id != MockProviderID {
			return id
		}
	}
	return MockProviderID
}

func timeNow() time.Time { return time.Now() }
