// Package objectlog is the access layer for the external append-only,
// content-addressed object log. The log is the system's single source of
// truth: there is no local database, and the PutIfAbsent contract is the
// sole concurrency primitive for record creation.
package objectlog

import (
	"context"
	"math/big"

	"github.com/rotisserie/eris"
)

// ErrKeyExists is returned by PutIfAbsent when the key is already present,
// either from the existence probe or from losing the write race. Callers use
// it as control flow, never as a reason to overwrite.
var ErrKeyExists = eris.New("objectlog: key already exists")

// Log is the object-log contract consumed by the pipelines and the
// orchestrator.
//
// PutIfAbsent never overwrites: if the key exists, it returns ErrKeyExists.
// Put overwrites and exists solely for the evaluation-record status
// transition; the backend keeps prior versions, so this is an append of a
// new head, not a destructive update. Get reports absence as (false, nil)
// so callers can use a missing key as the "not yet done" state.
type Log interface {
	PutIfAbsent(ctx context.Context, key string, obj any) error
	Put(ctx context.Context, key string, obj any) error
	Get(ctx context.Context, key string, out any) (bool, error)
	ListByPrefix(ctx context.Context, prefix string) ([]string, error)
}

// FeeEstimator reports the current priority fee on the settlement chain that
// backs object-log writes. The gateway uses it for admission control: writes
// are deferred, not failed, while the fee sits above the configured ceiling.
type FeeEstimator interface {
	SuggestPriorityFee(ctx context.Context) (*big.Int, error)
}
