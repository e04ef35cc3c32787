// Package reconcile merges batches of offline-queued mutations into the
// authoritative store. Items are processed strictly in batch order and every
// item yields exactly one outcome: synced, conflict, or failed. A failure in
// one item never blocks or rolls back the others.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"lotline/internal/domain"
	"lotline/internal/engine"
	"lotline/internal/store"
	"lotline/internal/validate"
)

// Reconciler is the offline synchronization engine. It writes through the
// same store adapter as the direct CRUD path.
type Reconciler struct {
	Engine engine.Engine
}

func New(e engine.Engine) Reconciler {
	return Reconciler{Engine: e}
}

// BatchResult aggregates per-item outcomes into three buckets, each
// preserving input batch order.
type BatchResult struct {
	Synced    []domain.SyncedItem   `json:"synced"`
	Conflicts []domain.ConflictItem `json:"conflicts"`
	Failed    []domain.FailedItem   `json:"failed"`
}

type outcome struct {
	synced   *domain.SyncedItem
	conflict *domain.ConflictItem
	failed   *domain.FailedItem
}

func (b *BatchResult) add(oc outcome) {
	switch {
	case oc.synced != nil:
		b.Synced = append(b.Synced, *oc.synced)
	case oc.conflict != nil:
		b.Conflicts = append(b.Conflicts, *oc.conflict)
	case oc.failed != nil:
		b.Failed = append(b.Failed, *oc.failed)
	}
}

// Reconcile applies the batch for the given producer. The returned error is
// batch-level only (oversized batch); item failures land in the result.
func (r Reconciler) Reconcile(ctx context.Context, producerID string, batch []domain.Mutation) (BatchResult, error) {
	result := BatchResult{
		Synced:    []domain.SyncedItem{},
		Conflicts: []domain.ConflictItem{},
		Failed:    []domain.FailedItem{},
	}
	if max := r.Engine.Config.Sync.MaxBatchSize; max > 0 && len(batch) > max {
		return result, fmt.Errorf("batch of %d mutations exceeds the maximum of %d", len(batch), max)
	}
	for _, m := range batch {
		result.add(r.applyOne(ctx, producerID, m))
	}
	return result, nil
}

// applyOne processes a single mutation. Panics are converted to failed
// outcomes so no item can take the batch down with it.
func (r Reconciler) applyOne(ctx context.Context, producerID string, m domain.Mutation) (oc outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			oc = failed(m, fmt.Sprintf("mutation processing panicked: %v", rec))
		}
	}()

	switch m.Type {
	case domain.MutationLotCreation:
		return r.applyCreation(ctx, producerID, m)
	case domain.MutationLotUpdate:
		return r.applyUpdate(ctx, producerID, m)
	case domain.MutationLotDeletion:
		return r.applyDeletion(ctx, producerID, m)
	default:
		return failed(m, fmt.Sprintf("unknown mutation type %q", m.Type))
	}
}

// applyCreation builds the lot with the client's capture timestamp so field
// ordering survives the round trip, then acknowledges with the server id
// paired to the client's offline id.
func (r Reconciler) applyCreation(ctx context.Context, producerID string, m domain.Mutation) outcome {
	lot, err := r.Engine.CreateLotAt(ctx, producerID, m.Data, m.Timestamp.UTC())
	if err != nil {
		var verr engine.ValidationError
		if errors.As(err, &verr) {
			return outcome{failed: &domain.FailedItem{Item: m, Errors: verr.Errors}}
		}
		return failed(m, err.Error())
	}
	return outcome{synced: &domain.SyncedItem{Type: m.Type, LotID: lot.ID, OfflineID: m.OfflineID}}
}

// applyUpdate applies the last-writer-wins rule: the payload lands iff the
// client timestamp is not older than the server record; otherwise both
// versions are surfaced as a conflict and nothing is written.
func (r Reconciler) applyUpdate(ctx context.Context, producerID string, m domain.Mutation) outcome {
	cur, err := r.Engine.Store.Get(ctx, m.LotID)
	if errors.Is(err, store.ErrNotFound) {
		return failed(m, "lot not found")
	}
	if err != nil {
		return failed(m, err.Error())
	}
	if cur.ProducerID != producerID {
		// Another producer's lot is indistinguishable from a missing one.
		return failed(m, "lot not found")
	}
	if cur.UpdatedAt.After(m.Timestamp) {
		return outcome{conflict: &domain.ConflictItem{
			Type:          m.Type,
			LotID:         m.LotID,
			ServerVersion: cur,
			ClientVersion: m.Data,
		}}
	}
	fields, err := validate.Filter(m.Data)
	if err != nil {
		return failed(m, err.Error())
	}
	if status, ok := fields["status"].(string); ok &&
		cur.Status == domain.StatusDeleted && status == domain.StatusActive {
		return failed(m, "a deleted lot cannot be restored")
	}

	now := r.now()
	changed := fieldNames(fields)
	fields["updated_at"] = now
	if err := r.Engine.Store.Update(ctx, m.LotID, fields); err != nil {
		return failed(m, err.Error())
	}
	evt := domain.NewEvent(domain.EventUpdate, "lot updated", map[string]any{"updated_fields": changed}, now)
	if err := r.Engine.Store.AppendEvent(ctx, m.LotID, evt); err != nil {
		return failed(m, err.Error())
	}
	return outcome{synced: &domain.SyncedItem{Type: m.Type, LotID: m.LotID, OfflineID: m.OfflineID}}
}

// applyDeletion soft-deletes with the mutation timestamp. Deletion never
// conflicts: re-deleting a deleted lot is a no-op and an absent lot is
// tolerated, both acknowledged as synced.
func (r Reconciler) applyDeletion(ctx context.Context, producerID string, m domain.Mutation) outcome {
	synced := outcome{synced: &domain.SyncedItem{Type: m.Type, LotID: m.LotID, OfflineID: m.OfflineID}}

	cur, err := r.Engine.Store.Get(ctx, m.LotID)
	if errors.Is(err, store.ErrNotFound) {
		return synced
	}
	if err != nil {
		return failed(m, err.Error())
	}
	if cur.ProducerID != producerID || cur.Status == domain.StatusDeleted {
		return synced
	}
	at := m.Timestamp.UTC()
	if err := r.Engine.Store.Update(ctx, m.LotID, map[string]any{"status": domain.StatusDeleted, "updated_at": at}); err != nil {
		return failed(m, err.Error())
	}
	evt := domain.NewEvent(domain.EventDeletion, "lot deleted", nil, at)
	if err := r.Engine.Store.AppendEvent(ctx, m.LotID, evt); err != nil {
		return failed(m, err.Error())
	}
	return synced
}

func (r Reconciler) now() time.Time {
	if r.Engine.Now != nil {
		return r.Engine.Now().UTC()
	}
	return time.Now().UTC()
}

func failed(m domain.Mutation, msgs ...string) outcome {
	return outcome{failed: &domain.FailedItem{Item: m, Errors: msgs}}
}

func fieldNames(fields map[string]any) []string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
