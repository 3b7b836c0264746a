package logger

import (
	"context"
	"log/slog"
	"sync"
	"testing"
)

// 多个 goroutine 并发读写 defaultLogger 不应触发 data race
// (go test -race 下验证)。
func TestDefaultLoggerConcurrentAccess(t *testing.T) {
	Init("production")

	var wg sync.WaitGroup
	const goroutines = 100

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Info("concurrent log message", "key", "value")
			_ = Get()
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		Init("development")
	}()

	wg.Wait()
}

// TestGetReturnsCurrentLogger 验证 Get() 返回最新的 logger。
func TestGetReturnsCurrentLogger(t *testing.T) {
	Init("production")
	l := Get()
	if l == nil {
		t.Fatal("Get() returned nil")
	}
}

func TestInitSwitchesLogger(t *testing.T) {
	Init("production")
	prod := Get()
	Init("development")
	dev := Get()
	if prod == dev {
		t.Error("Init should replace the default logger")
	}
}

func TestWithContextRoundTrip(t *testing.T) {
	Init("production")
	custom := Get().With(FieldMeetingID, "m1")

	ctx := WithContext(context.Background(), custom)
	got := FromContext(ctx)
	if got != custom {
		t.Error("FromContext did not return the injected logger")
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	Init("production")
	got := FromContext(context.Background())
	if got != Get() {
		t.Error("FromContext without injection should return the default logger")
	}
}

func TestWithReturnsDerivedLogger(t *testing.T) {
	Init("production")
	derived := With(FieldRound, 2)
	if derived == nil {
		t.Fatal("With() returned nil")
	}
	if derived == Get() {
		t.Error("With() should return a derived logger, not the default")
	}
}

func TestAnyBuildsAttr(t *testing.T) {
	attr := Any(FieldStageVersion, 7)
	if attr.Key != FieldStageVersion {
		t.Errorf("attr.Key = %q, want %q", attr.Key, FieldStageVersion)
	}
	if attr.Value.Kind() != slog.KindInt64 {
		t.Errorf("attr.Value.Kind() = %v, want Int64", attr.Value.Kind())
	}
}

func TestFieldConstantsAreDistinct(t *testing.T) {
	fields := []string{
		FieldMeetingID, FieldRound, FieldStageVersion, FieldVoteSessionID,
		FieldProvider, FieldVoterAgentID, FieldAgentID, FieldError,
		FieldEventType, FieldLatencyMS,
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f == "" {
			t.Fatal("field constant must not be empty")
		}
		if seen[f] {
			t.Fatalf("duplicate field constant %q", f)
		}
		seen[f] = true
	}
}
