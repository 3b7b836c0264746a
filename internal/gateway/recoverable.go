// recoverable.go — 上游错误可恢复性分类与 mock fallback 包裹。
package gateway

import (
	"context"
	"errors"
	"net"
	"strings"

	apperrors "github.com/multi-agent/go-meeting-orchestrator/pkg/errors"
	"github.com/multi-agent/go-meeting-orchestrator/pkg/logger"
)

// NetworkError wraps a transport-level failure (connection reset, dial error,
// DNS failure) that reached http.Client.Do before any HTTP status was read.
type NetworkError struct{ Err error }

func (e *NetworkError) Error() string { return "network error: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

// classifyNetError wraps a transport-level error (timeout, connection reset) so
// IsRecoverable can route it through the NetworkError/context branches.
func classifyNetError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &NetworkError{Err: err}
	}
	return &NetworkError{Err: err}
}

// HTTPStatusError 携带上游 HTTP 状态码的错误，供可恢复性分类使用。
type HTTPStatusError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *HTTPStatusError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "upstream http error"
}

func (e *HTTPStatusError) Unwrap() error { return e.Err }

// MalformedResponseError 表示上游返回了非预期格式的响应体 (例如请求 JSON 却收到 HTML)。
type MalformedResponseError struct {
	Reason string
}

func (e *MalformedResponseError) Error() string { return "malformed upstream response: " + e.Reason }

// IsRecoverable 判定一个 Provider 错误是否属于可恢复的上游故障:
// HTML 响应体、408/409/425/429/5xx、供应商返回非法 JSON、网络重置、超时。
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if apperrors.IsCancellation(err) {
		return false
	}

	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case 408, 409, 425, 429:
			return true
		}
		if httpErr.StatusCode >= 500 {
			return true
		}
		if strings.Contains(strings.ToLower(httpErr.Body), "<html") {
			return true
		}
	}

	var malformed *MalformedResponseError
	if errors.As(err, &malformed) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var networkErr *NetworkError
	if errors.As(err, &networkErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}

// GenerateTextWithMockFallback 执行一次 generate_text，若上游错误可恢复则立即
// 重试一次 provider_id=mock, model=mock-default，并记录
// provider_request_id = "fallback:<orig_provider>->mock"。
// 不可恢复错误 (鉴权、校验) 原样传播。
func (g *Gateway) GenerateTextWithMockFallback(ctx context.Context, req Request) (resp Response, providerRequestID string, err error) {
	origProvider := req.ProviderID
	if origProvider == AutoProviderID {
		origProvider = routeByModel(req.Model, g.fallbackOrder)
	}

	resp, err = g.GenerateText(ctx, req)
	if err == nil {
		return resp, "", nil
	}
	if !IsRecoverable(err) {
		return Response{}, "", err
	}

	logger.Warnw("gateway: recoverable error, falling back to mock provider",
		logger.FieldProvider, origProvider, "model", req.Model, logger.FieldError, err)

	fallbackReq := req
	fallbackReq.ProviderID = MockProviderID
	fallbackReq.Model = "mock-default"
	resp, fbErr := g.GenerateText(ctx, fallbackReq)
	if fbErr != nil {
		return Response{}, "", fbErr
	}
	return resp, "fallback:" + origProvider + "->mock", nil
}
