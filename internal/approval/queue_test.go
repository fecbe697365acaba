package approval

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stewardops/steward/internal/store"
)

func newTestQueue(t *testing.T, handlers map[HandlerKey]Handler) *Queue {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	q, err := NewQueue(db, handlers, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func TestApproveAndExecute(t *testing.T) {
	q := newTestQueue(t, map[HandlerKey]Handler{
		{ActionType: "send_email", ServiceType: "gmail"}: func(workspaceID int64, data map[string]any) (map[string]any, string) {
			if data["to"] != "x@y" {
				return nil, "wrong recipient"
			}
			return map[string]any{"message_id": "m1"}, ""
		},
	})

	action, err := q.Create(1, nil, "send_email", "gmail",
		map[string]any{"to": "x@y", "subject": "hi", "body": "hey"}, "user asked to send", 0.9)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if action.Status != StatusPending {
		t.Fatalf("status = %s, want pending", action.Status)
	}

	done, err := q.ApproveAndExecute(action.ID, 1)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if done.Status != StatusExecuted {
		t.Fatalf("status = %s, want executed", done.Status)
	}
	if done.ResultData["message_id"] != "m1" {
		t.Errorf("result_data = %v, want message_id m1", done.ResultData)
	}
	if done.ApprovedAt == nil || done.ExecutedAt == nil {
		t.Error("approved_at and executed_at must be stamped")
	}

	used, err := q.ServiceUsage(1, "gmail")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if used != 1 {
		t.Errorf("gmail usage = %d, want 1", used)
	}
}

func TestApproveIsTerminal(t *testing.T) {
	q := newTestQueue(t, map[HandlerKey]Handler{
		{ActionType: "send_email", ServiceType: "gmail"}: func(int64, map[string]any) (map[string]any, string) {
			return map[string]any{}, ""
		},
	})
	action, _ := q.Create(1, nil, "send_email", "gmail", nil, "", 0)

	if _, err := q.ApproveAndExecute(action.ID, 1); err != nil {
		t.Fatalf("approve: %v", err)
	}
	// Executed actions never transition again.
	if _, err := q.ApproveAndExecute(action.ID, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second approve err = %v, want ErrNotFound", err)
	}
	if _, err := q.Reject(action.ID, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("reject executed err = %v, want ErrNotFound", err)
	}
	if used, _ := q.ServiceUsage(1, "gmail"); used != 1 {
		t.Errorf("usage = %d, want 1 after replayed approve", used)
	}
}

func TestRejectPendingOnly(t *testing.T) {
	q := newTestQueue(t, nil)
	action, _ := q.Create(1, nil, "send_email", "gmail", nil, "", 0)

	rejected, err := q.Reject(action.ID, 1)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != StatusRejected {
		t.Fatalf("status = %s, want rejected", rejected.Status)
	}
	if _, err := q.ApproveAndExecute(action.ID, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("approve rejected err = %v, want ErrNotFound", err)
	}
}

func TestMissingHandlerFails(t *testing.T) {
	q := newTestQueue(t, nil)
	action, _ := q.Create(1, nil, "send_email", "gmail", nil, "", 0)

	done, err := q.ApproveAndExecute(action.ID, 1)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if done.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", done.Status)
	}
	if done.ErrorMessage == "" {
		t.Error("failed action needs an error message")
	}
	if used, _ := q.ServiceUsage(1, "gmail"); used != 0 {
		t.Errorf("usage = %d, want 0 for failed action", used)
	}
}

func TestHandlerErrorFails(t *testing.T) {
	q := newTestQueue(t, map[HandlerKey]Handler{
		{ActionType: "send_email", ServiceType: "gmail"}: func(int64, map[string]any) (map[string]any, string) {
			return nil, "smtp unavailable"
		},
	})
	action, _ := q.Create(1, nil, "send_email", "gmail", nil, "", 0)

	done, err := q.ApproveAndExecute(action.ID, 1)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if done.Status != StatusFailed || done.ErrorMessage != "smtp unavailable" {
		t.Fatalf("action = %s %q, want failed with handler error", done.Status, done.ErrorMessage)
	}
}

func TestHandlerPanicFailsAction(t *testing.T) {
	q := newTestQueue(t, map[HandlerKey]Handler{
		{ActionType: "send_email", ServiceType: "gmail"}: func(int64, map[string]any) (map[string]any, string) {
			panic("boom")
		},
	})
	action, _ := q.Create(1, nil, "send_email", "gmail", nil, "", 0)

	done, err := q.ApproveAndExecute(action.ID, 1)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if done.Status != StatusFailed {
		t.Fatalf("status = %s, want failed after panic", done.Status)
	}
}

func TestWorkspaceScoping(t *testing.T) {
	q := newTestQueue(t, nil)
	action, _ := q.Create(1, nil, "send_email", "gmail", nil, "", 0)

	if _, err := q.Get(action.ID, 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-workspace get err = %v, want ErrNotFound", err)
	}
	if _, err := q.ApproveAndExecute(action.ID, 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-workspace approve err = %v, want ErrNotFound", err)
	}
}

func TestListByStatus(t *testing.T) {
	q := newTestQueue(t, nil)
	a, _ := q.Create(1, nil, "send_email", "gmail", nil, "", 0)
	q.Create(1, nil, "send_notification", "slack", nil, "", 0)
	if _, err := q.Reject(a.ID, 1); err != nil {
		t.Fatalf("reject: %v", err)
	}

	pending, err := q.List(1, StatusPending, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].ActionType != "send_notification" {
		t.Errorf("pending = %+v, want only the slack action", pending)
	}
	all, err := q.List(1, "", 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all = %d actions, want 2", len(all))
	}
}

func TestUsageCountsOnlyExecutedActions(t *testing.T) {
	fail := false
	q := newTestQueue(t, map[HandlerKey]Handler{
		{ActionType: "send_email", ServiceType: "gmail"}: func(int64, map[string]any) (map[string]any, string) {
			if fail {
				return nil, "smtp unavailable"
			}
			return map[string]any{"ok": true}, ""
		},
	})

	for i := 0; i < 2; i++ {
		a, err := q.Create(1, nil, "send_email", "gmail", nil, "", 0.5)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		done, err := q.ApproveAndExecute(a.ID, 1)
		if err != nil {
			t.Fatalf("approve: %v", err)
		}
		if done.Status != StatusExecuted {
			t.Fatalf("status = %s, want executed", done.Status)
		}
	}
	if used, _ := q.ServiceUsage(1, "gmail"); used != 2 {
		t.Errorf("usage = %d, want 2", used)
	}

	// A failed execution leaves the counter and executed_at alone.
	fail = true
	a, err := q.Create(1, nil, "send_email", "gmail", nil, "", 0.5)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	done, err := q.ApproveAndExecute(a.ID, 1)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if done.Status != StatusFailed || done.ExecutedAt != nil {
		t.Fatalf("failed action = %+v, want failed with no executed_at", done)
	}
	if used, _ := q.ServiceUsage(1, "gmail"); used != 2 {
		t.Errorf("usage after failure = %d, want 2", used)
	}
}
