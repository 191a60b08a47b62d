package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"exec_gateway/internal/core"
	apperrors "exec_gateway/pkg/errors"
)

func newOrder(id string, status core.OrderStatus) *core.Order {
	now := time.Now().UTC()
	return &core.Order{
		ClientOrderID:  id,
		StrategyID:     "alpha_baseline",
		Symbol:         "AAPL",
		Side:           core.SideBuy,
		Qty:            decimal.NewFromInt(10),
		OrderType:      core.OrderTypeMarket,
		TimeInForce:    core.TIFDay,
		ExecutionStyle: core.StyleInstant,
		Status:         status,
		StatusRank:     core.StatusRank(status),
		FilledQty:      decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestCreateOrderDuplicate(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	if err := l.CreateOrder(ctx, newOrder("aaaa", core.StatusPendingNew)); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	err := l.CreateOrder(ctx, newOrder("aaaa", core.StatusPendingNew))
	if !errors.Is(err, apperrors.ErrDuplicateOrder) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if !IsUniqueViolation(err) {
		t.Fatal("IsUniqueViolation should recognize the duplicate")
	}
}

func TestCASForwardProgressOnly(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	base := time.Date(2024, 10, 17, 14, 30, 0, 0, time.UTC)

	if err := l.CreateOrder(ctx, newOrder("aaaa", core.StatusPendingNew)); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// pending_new -> filled at T
	price := decimal.NewFromFloat(150.25)
	applied, err := l.UpdateOrderStatusCAS(ctx, &core.OrderUpdate{
		ClientOrderID:   "aaaa",
		Status:          core.StatusFilled,
		FilledQty:       decimal.NewFromInt(10),
		FilledAvgPrice:  &price,
		BrokerUpdatedAt: base,
		Source:          core.SourceWebhook,
	})
	if err != nil || !applied {
		t.Fatalf("fill should apply: applied=%v err=%v", applied, err)
	}

	// A late 'accepted' at T-5s must be a no-op
	applied, err = l.UpdateOrderStatusCAS(ctx, &core.OrderUpdate{
		ClientOrderID:   "aaaa",
		Status:          core.StatusAccepted,
		BrokerUpdatedAt: base.Add(-5 * time.Second),
		Source:          core.SourceWebhook,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied {
		t.Fatal("stale accepted event must not roll back a fill")
	}

	order, _ := l.GetOrderByClientID(ctx, "aaaa")
	if order.Status != core.StatusFilled {
		t.Fatalf("status regressed to %s", order.Status)
	}
	if !order.FilledQty.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("filled qty lost: %s", order.FilledQty)
	}
}

func TestCASSourcePriorityTieBreak(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	ts := time.Date(2024, 10, 17, 14, 30, 0, 0, time.UTC)

	if err := l.CreateOrder(ctx, newOrder("aaaa", core.StatusPendingNew)); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	applied, _ := l.UpdateOrderStatusCAS(ctx, &core.OrderUpdate{
		ClientOrderID: "aaaa", Status: core.StatusAccepted,
		BrokerUpdatedAt: ts, Source: core.SourceReconciliation,
	})
	if !applied {
		t.Fatal("reconciliation update should apply")
	}

	// Same rank and timestamp: webhook beats reconciliation
	applied, _ = l.UpdateOrderStatusCAS(ctx, &core.OrderUpdate{
		ClientOrderID: "aaaa", Status: core.StatusAccepted,
		BrokerUpdatedAt: ts, Source: core.SourceWebhook,
	})
	if !applied {
		t.Fatal("webhook should win the tie against reconciliation")
	}

	// Manual never beats webhook on a tie
	applied, _ = l.UpdateOrderStatusCAS(ctx, &core.OrderUpdate{
		ClientOrderID: "aaaa", Status: core.StatusAccepted,
		BrokerUpdatedAt: ts, Source: core.SourceManual,
	})
	if applied {
		t.Fatal("manual must not win the tie against webhook")
	}
}

func TestAppendFillIdempotent(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	if err := l.CreateOrder(ctx, newOrder("aaaa", core.StatusPendingNew)); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	fill := core.Fill{
		FillID:   "f1",
		Qty:      decimal.NewFromInt(4),
		Price:    decimal.NewFromFloat(150.10),
		FilledAt: time.Now().UTC(),
	}
	err := l.WithTx(ctx, func(tx core.ILedgerTx) error {
		added, err := tx.AppendFill("aaaa", fill)
		if err != nil {
			return err
		}
		if !added {
			t.Fatal("first append should add")
		}
		added, err = tx.AppendFill("aaaa", fill)
		if err != nil {
			return err
		}
		if added {
			t.Fatal("duplicate fill_id must be ignored")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}

	order, _ := l.GetOrderByClientID(ctx, "aaaa")
	if len(order.Metadata.Fills) != 1 {
		t.Fatalf("expected 1 synthesized fill, got %d", len(order.Metadata.Fills))
	}
	if order.Metadata.Fills[0].FillID != "f1" {
		t.Fatalf("unexpected fill %+v", order.Metadata.Fills[0])
	}
}

func TestRegisterSlicingPlanAtomicAndIdempotent(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	parent := newOrder("pppp", core.StatusPendingNew)
	parent.ExecutionStyle = core.StyleTWAP
	five := 5
	parent.TotalSlices = &five

	var children []*core.Order
	plan := &core.SlicingPlan{ParentOrderID: "pppp", TotalQty: 103, TotalSlices: 5}
	for i := 0; i < 5; i++ {
		child := newOrder("cccc"+string(rune('0'+i)), core.StatusPendingNew)
		child.ExecutionStyle = core.StyleTWAP
		pid := "pppp"
		num := i
		at := time.Now().UTC().Add(time.Duration(i) * time.Minute)
		child.ParentOrderID = &pid
		child.SliceNum = &num
		child.ScheduledTime = &at
		children = append(children, child)
		plan.Slices = append(plan.Slices, core.SliceDetail{
			SliceNum: i, ClientOrderID: child.ClientOrderID,
			ScheduledTime: at, Status: core.StatusPendingNew,
		})
	}

	if err := l.RegisterSlicingPlan(ctx, parent, children, plan); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := l.RegisterSlicingPlan(ctx, parent, children, plan); !errors.Is(err, apperrors.ErrPlanExists) {
		t.Fatalf("expected ErrPlanExists on retry, got %v", err)
	}

	slices, err := l.GetSlicesByParentID(ctx, "pppp")
	if err != nil || len(slices) != 5 {
		t.Fatalf("expected 5 children, got %d (%v)", len(slices), err)
	}
	for i, s := range slices {
		if *s.SliceNum != i {
			t.Fatalf("children not ordered by slice_num: %d at %d", *s.SliceNum, i)
		}
	}
}

func TestCancelPendingSlicesSkipsDispatched(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	pid := "pppp"
	for i := 0; i < 3; i++ {
		child := newOrder("cc"+string(rune('0'+i)), core.StatusPendingNew)
		num := i
		child.ParentOrderID = &pid
		child.SliceNum = &num
		if i == 0 {
			child.BrokerOrderID = "brk-1" // already dispatched
		}
		if err := l.CreateOrder(ctx, child); err != nil {
			t.Fatalf("create child failed: %v", err)
		}
	}

	n, err := l.CancelPendingSlices(ctx, pid)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 canceled, got %d", n)
	}

	first, _ := l.GetOrderByClientID(ctx, "cc0")
	if first.Status != core.StatusPendingNew {
		t.Fatal("dispatched slice must not be canceled locally")
	}
}

func TestModificationSeqMonotone(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	a, _ := l.GetNextModificationSeq(ctx)
	b, _ := l.GetNextModificationSeq(ctx)
	if b != a+1 {
		t.Fatalf("sequence must be monotone: %d then %d", a, b)
	}
}
