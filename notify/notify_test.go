package notify

import (
	"context"
	"errors"
	"testing"
)

func TestPublishFansOutToAllHandlers(t *testing.T) {
	hub := NewHub()
	var got []string
	for _, name := range []string{"email", "slack"} {
		name := name
		hub.Subscribe(ChannelApproval, func(_ context.Context, req ApprovalRequest) error {
			got = append(got, name+":"+req.InstanceID)
			return nil
		})
	}

	err := hub.Publish(context.Background(), ChannelApproval, ApprovalRequest{InstanceID: "order-1"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected both handlers called, got %v", got)
	}
}

func TestPublishWithoutHandlersFails(t *testing.T) {
	if err := NewHub().Publish(context.Background(), ChannelApproval, ApprovalRequest{}); err == nil {
		t.Fatal("expected error with no handlers")
	}
}

func TestPublishJoinsHandlerErrors(t *testing.T) {
	hub := NewHub()
	boom := errors.New("smtp down")
	called := 0
	hub.Subscribe(ChannelApproval, func(context.Context, ApprovalRequest) error {
		called++
		return boom
	})
	hub.Subscribe(ChannelApproval, func(context.Context, ApprovalRequest) error {
		called++
		return nil
	})

	err := hub.Publish(context.Background(), ChannelApproval, ApprovalRequest{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if called != 2 {
		t.Fatalf("all handlers must run, got %d", called)
	}
}

func TestPublishStopOnErrorShortCircuits(t *testing.T) {
	hub := NewHub(WithStopOnError())
	boom := errors.New("smtp down")
	called := 0
	hub.Subscribe(ChannelApproval, func(context.Context, ApprovalRequest) error {
		called++
		return boom
	})
	hub.Subscribe(ChannelApproval, func(context.Context, ApprovalRequest) error {
		called++
		return nil
	})

	if err := hub.Publish(context.Background(), ChannelApproval, ApprovalRequest{}); !errors.Is(err, boom) {
		t.Fatalf("expected first error, got %v", err)
	}
	if called != 1 {
		t.Fatalf("expected a single handler call, got %d", called)
	}
}

func TestUnsubscribeRemovesHandler(t *testing.T) {
	hub := NewHub()
	calls := 0
	sub := hub.Subscribe(ChannelApproval, func(context.Context, ApprovalRequest) error {
		calls++
		return nil
	})
	hub.Subscribe(ChannelApproval, func(context.Context, ApprovalRequest) error {
		return nil
	})

	sub.Unsubscribe()
	if err := hub.Publish(context.Background(), ChannelApproval, ApprovalRequest{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if calls != 0 {
		t.Fatal("unsubscribed handler still called")
	}
}

func TestApprovalRequiredPublishesOnApprovalChannel(t *testing.T) {
	hub := NewHub()
	var got ApprovalRequest
	hub.Subscribe(ChannelApproval, func(_ context.Context, req ApprovalRequest) error {
		got = req
		return nil
	})

	err := hub.ApprovalRequired(context.Background(), "order-9", "http://localhost:7071/orders/9/approval")
	if err != nil {
		t.Fatalf("approval required: %v", err)
	}
	if got.InstanceID != "order-9" || got.ApprovalURL != "http://localhost:7071/orders/9/approval" {
		t.Fatalf("unexpected request %+v", got)
	}
}
