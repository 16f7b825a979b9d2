package store

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errNoTransaction = errors.New("transaction is not open")

type txKey struct{}

// txScope is what a context carries. Only the scope that opened the transaction may end it;
// a scope that joined an open transaction commits and rolls back as a no-op.
type txScope struct {
	tx    *Tx
	owner bool
}

// Tx is a database transaction bound to a context by DataStore.NewTransactionContext. Every
// store method reached with that context runs inside it.
type Tx struct {
	id  int64
	db  *gorm.DB
	log *zap.SugaredLogger
}

func scopeFrom(ctx context.Context) *txScope {
	scope, _ := ctx.Value(txKey{}).(*txScope)
	if scope == nil || scope.tx == nil || scope.tx.db == nil {
		return nil
	}
	return scope
}

// Commit ends the transaction opened for ctx. It is a no-op when ctx carries no transaction or
// only joined one.
func Commit(ctx context.Context) (context.Context, error) {
	scope := scopeFrom(ctx)
	if scope == nil || !scope.owner {
		return ctx, nil
	}
	return context.WithValue(ctx, txKey{}, nil), scope.tx.Commit()
}

// Rollback aborts the transaction opened for ctx. Calling it after Commit does nothing, so it
// is safe to defer.
func Rollback(ctx context.Context) (context.Context, error) {
	scope := scopeFrom(ctx)
	if scope == nil || !scope.owner {
		return ctx, nil
	}
	return context.WithValue(ctx, txKey{}, nil), scope.tx.Rollback()
}

// FromContext returns the open transaction carried by ctx, or nil.
func FromContext(ctx context.Context) *gorm.DB {
	if scope := scopeFrom(ctx); scope != nil {
		return scope.tx.db
	}
	return nil
}

func newTransactionContext(ctx context.Context, db *gorm.DB) (context.Context, error) {
	if scope := scopeFrom(ctx); scope != nil {
		return context.WithValue(ctx, txKey{}, &txScope{tx: scope.tx}), nil
	}

	tx, err := beginTx(db.Session(&gorm.Session{Context: ctx}))
	if err != nil {
		return ctx, err
	}
	return context.WithValue(ctx, txKey{}, &txScope{tx: tx, owner: true}), nil
}

func beginTx(db *gorm.DB) (*Tx, error) {
	gtx := db.Begin()
	if gtx.Error != nil {
		return nil, gtx.Error
	}

	// txid_current is only used to correlate log lines; ids are reused after wraparound.
	var txid struct{ ID int64 }
	if isPostgres(db) {
		gtx.Raw("select txid_current() as id").Scan(&txid)
	}

	return &Tx{id: txid.ID, db: gtx, log: zap.S().Named("store")}, nil
}

func (t *Tx) Commit() error {
	if t.db == nil {
		return errNoTransaction
	}
	if err := t.db.Commit().Error; err != nil {
		t.log.Errorw("commit failed", "txid", t.id, "error", err)
		return err
	}
	t.db = nil
	t.log.Debugw("transaction committed", "txid", t.id)
	return nil
}

func (t *Tx) Rollback() error {
	if t.db == nil {
		return errNoTransaction
	}
	if err := t.db.Rollback().Error; err != nil {
		t.log.Errorw("rollback failed", "txid", t.id, "error", err)
		return err
	}
	t.db = nil
	t.log.Debugw("transaction rolled back", "txid", t.id)
	return nil
}
