package healthcheck

import (
	"context"
	"testing"
)

type testChecker struct {
	items []CheckResult
}

func (c *testChecker) ListChecks(ctx context.Context, tenantID string) []CheckResult {
	return c.items
}

func TestMultiListChecks(t *testing.T) {
	t.Parallel()

	multi := NewMulti(
		&testChecker{items: []CheckResult{{ID: "session.state", Status: StatusOK}}},
		nil,
		&testChecker{items: []CheckResult{{ID: "database.ping", Status: StatusError}}},
	)

	items := multi.ListChecks(context.Background(), "tenant-1")
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].ID != "session.state" || items[1].ID != "database.ping" {
		t.Fatalf("unexpected order: %+v", items)
	}
	if got := Overall(items); got != StatusError {
		t.Fatalf("expected error overall, got %s", got)
	}
}

func TestMultiNil(t *testing.T) {
	t.Parallel()

	var multi *Multi
	items := multi.ListChecks(context.Background(), "tenant-1")
	if len(items) != 0 {
		t.Fatalf("expected empty items, got %d", len(items))
	}
	if got := Overall(items); got != StatusUnknown {
		t.Fatalf("expected unknown overall, got %s", got)
	}
}
