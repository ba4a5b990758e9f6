// Package dbtest provides an in-memory db.Transactor for service tests.
package dbtest

import (
	"context"
	"sync"

	"github.com/hospital/his/internal/platform/db"
)

// Snapshotter is an in-memory store that can capture its state. The
// returned function restores the captured state.
type Snapshotter interface {
	Snapshot() (restore func())
}

type joinedKey struct{}

// UnitOfWork emulates db.TxManager over Snapshotter stores: a failing
// outermost call restores every store, a successful one runs the commit
// hooks. Nested calls join the outer unit. Calls are serialized, which
// stands in for row locking.
type UnitOfWork struct {
	mu     sync.Mutex
	stores []Snapshotter

	Commits   int
	Rollbacks int
}

func NewUnitOfWork(stores ...Snapshotter) *UnitOfWork {
	return &UnitOfWork{stores: stores}
}

func (u *UnitOfWork) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(joinedKey{}) != nil {
		return fn(ctx)
	}

	u.mu.Lock()
	restores := make([]func(), len(u.stores))
	for i, s := range u.stores {
		restores[i] = s.Snapshot()
	}
	ctx, hooks := db.WithCommitHooks(context.WithValue(ctx, joinedKey{}, true))
	err := fn(ctx)
	if err != nil {
		for i := len(restores) - 1; i >= 0; i-- {
			restores[i]()
		}
		u.Rollbacks++
		u.mu.Unlock()
		return err
	}
	u.Commits++
	u.mu.Unlock()

	hooks.Run()
	return nil
}
