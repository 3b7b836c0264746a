package eventbus

import "testing"

func TestSubscribeUnsubscribeLifecycle(t *testing.T) {
	b := New(nil, 8)

	sub := b.Subscribe("m1", "s1")
	if sub == nil || sub.Ch == nil {
		t.Fatal("Subscribe returned nil subscriber")
	}
	if got := b.SubscriberCount("m1"); got != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", got)
	}

	b.Unsubscribe("m1", "s1")
	if got := b.SubscriberCount("m1"); got != 0 {
		t.Fatalf("SubscriberCount after unsubscribe = %d, want 0", got)
	}

	// 通道已关闭: 读取立即返回零值
	if _, ok := <-sub.Ch; ok {
		t.Error("expected subscriber channel to be closed after Unsubscribe")
	}
}

func TestUnsubscribeUnknownSubscriberIsNoop(t *testing.T) {
	b := New(nil, 8)
	b.Unsubscribe("m1", "never-registered")
	if got := b.SubscriberCount("m1"); got != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", got)
	}
}

func TestSubscribersAreBucketedPerMeeting(t *testing.T) {
	b := New(nil, 8)
	b.Subscribe("m1", "s1")
	b.Subscribe("m1", "s2")
	b.Subscribe("m2", "s3")

	if got := b.SubscriberCount("m1"); got != 2 {
		t.Errorf("SubscriberCount(m1) = %d, want 2", got)
	}
	if got := b.SubscriberCount("m2"); got != 1 {
		t.Errorf("SubscriberCount(m2) = %d, want 1", got)
	}
}
