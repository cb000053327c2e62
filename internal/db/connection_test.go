package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

// stubTx records transaction outcomes; only Commit and Rollback are used.
type stubTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
	commitErr  error
}

func (t *stubTx) Commit(ctx context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *stubTx) Rollback(ctx context.Context) error {
	t.rolledBack = true
	return nil
}

type stubBeginner struct {
	tx       *stubTx
	beginErr error
}

var _ TxBeginner = (*stubBeginner)(nil)

func (b *stubBeginner) Begin(ctx context.Context) (pgx.Tx, error) {
	if b.beginErr != nil {
		return nil, b.beginErr
	}
	return b.tx, nil
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	tx := &stubTx{}
	called := false

	err := WithTx(context.Background(), &stubBeginner{tx: tx}, func(pgx.Tx) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatalf("transaction function was not called")
	}
	if !tx.committed || tx.rolledBack {
		t.Fatalf("expected commit without rollback, got committed=%v rolledBack=%v", tx.committed, tx.rolledBack)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	tx := &stubTx{}
	fnErr := errors.New("merge failed")

	err := WithTx(context.Background(), &stubBeginner{tx: tx}, func(pgx.Tx) error {
		return fnErr
	})
	if !errors.Is(err, fnErr) {
		t.Fatalf("expected the function error back, got %v", err)
	}
	if tx.committed || !tx.rolledBack {
		t.Fatalf("expected rollback without commit, got committed=%v rolledBack=%v", tx.committed, tx.rolledBack)
	}
}

func TestWithTxReturnsBeginError(t *testing.T) {
	beginErr := errors.New("pool exhausted")

	err := WithTx(context.Background(), &stubBeginner{beginErr: beginErr}, func(pgx.Tx) error {
		t.Fatalf("function must not run when begin fails")
		return nil
	})
	if !errors.Is(err, beginErr) {
		t.Fatalf("expected begin error, got %v", err)
	}
}

func TestWithTxReturnsCommitError(t *testing.T) {
	tx := &stubTx{commitErr: errors.New("connection reset")}

	err := WithTx(context.Background(), &stubBeginner{tx: tx}, func(pgx.Tx) error {
		return nil
	})
	if err == nil {
		t.Fatalf("expected commit error to surface")
	}
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	tx := &stubTx{}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected the panic to propagate")
		}
		if tx.committed || !tx.rolledBack {
			t.Fatalf("expected rollback without commit, got committed=%v rolledBack=%v", tx.committed, tx.rolledBack)
		}
	}()

	_ = WithTx(context.Background(), &stubBeginner{tx: tx}, func(pgx.Tx) error {
		panic("boom")
	})
}
