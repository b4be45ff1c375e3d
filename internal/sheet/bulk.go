package sheet

import (
	"maps"
	"slices"
	"sync"

	"github.com/cleared-dev/budgetgrid/internal/backend"
	"github.com/cleared-dev/budgetgrid/internal/model"
	"github.com/cleared-dev/budgetgrid/internal/task"
)

// bulk applies merged changes for several rows. Persisted rows go out in one
// bulk update and placeholders that became ready in one bulk create; the two
// requests run concurrently.
func (s *Sheet) bulk(st *State, order []model.RowID, patches map[model.RowID]model.Values) []job {
	var (
		items []backend.BulkItem
		ready []model.Placeholder
	)
	for _, id := range order {
		patch := patches[id]
		if err := s.schema.Check(patch); err != nil {
			s.log.Warn("rejected change", "row", id, "error", err)
			st.notice(err.Error())
			continue
		}
		switch id := id.(type) {
		case model.ID:
			if s.applyEntityPatch(st, id, patch) {
				items = append(items, backend.BulkItem{ID: id, Payload: backend.Payload{Values: patch}})
			}
		case model.PlaceholderID:
			p, ok := updatePlaceholder(st, id, patch)
			if !ok {
				s.log.Warn("change for a row that is not in the sheet", "row", id)
				continue
			}
			if s.schema.Ready(p.Values) && !st.Creating(p.ID) {
				ready = append(ready, p)
			}
		}
	}

	batch, single := s.partitionCreates(ready)
	var jobs []job
	for _, p := range single {
		jobs = append(jobs, s.sendCreate(st, p))
	}

	var runs []job
	if len(items) > 0 {
		runs = append(runs, s.sendBulkUpdate(st, items))
	}
	if len(batch) > 0 {
		runs = append(runs, s.sendBulkCreate(st, batch))
	}
	if len(runs) > 0 {
		// Each request records its own failure on the rows it carried.
		jobs = append(jobs, func() {
			var wg sync.WaitGroup
			for _, run := range runs {
				wg.Go(run)
			}
			wg.Wait()
		})
	}
	return jobs
}

// partitionCreates splits ready placeholders into those that can be matched
// back from a bulk-create response by identifier and those that must be
// created one by one: every placeholder when the kind has no identifier, and
// placeholders whose identifier repeats within the batch.
func (s *Sheet) partitionCreates(ready []model.Placeholder) (batch, single []model.Placeholder) {
	if s.schema.Identifier == "" {
		return nil, ready
	}
	counts := map[string]int{}
	for _, p := range ready {
		counts[s.schema.Identify(p.Values)]++
	}
	for _, p := range ready {
		if counts[s.schema.Identify(p.Values)] > 1 {
			single = append(single, p)
			continue
		}
		batch = append(batch, p)
	}
	return batch, single
}

// sendBulkUpdate sends one request for several rows, but each row takes
// over its own update key: a single-row update still in flight for one of
// them goes stale, and a later one makes this request stale for that row.
func (s *Sheet) sendBulkUpdate(st *State, items []backend.BulkItem) job {
	s.taskSeq++
	call := s.tasks.Supersede(task.Keyed("bulk-update", s.taskSeq))
	rows := make(map[model.ID]*task.Token, len(items))
	ids := make([]model.ID, len(items))
	var fields []model.Field
	for i, it := range items {
		tok := s.tasks.Supersede(task.Keyed("update", int(it.ID)))
		rows[it.ID] = tok
		ids[i] = it.ID
		st.updating[it.ID] = tok.Seq()
		for _, f := range it.Payload.Values.Fields() {
			if !slices.Contains(fields, f) {
				fields = append(fields, f)
			}
		}
	}
	stale := func(id model.RowID) bool {
		pid, ok := id.(model.ID)
		return ok && rows[pid] != nil && !rows[pid].Current()
	}
	return func() {
		defer call.Done()
		defer func() {
			for _, tok := range rows {
				tok.Done()
			}
		}()
		err := s.client.BulkUpdate(call.Context(), s.kind, s.parentRef, items)
		var confirmed []model.ID
		applied := s.transition(call,
			func(st *State) {
				for id, tok := range rows {
					release(st.updating, id, tok.Seq())
				}
			},
			func(st *State) []job {
				if err != nil {
					s.log.Warn("bulk updating failed", "rows", ids, "error", err)
					fields := backend.RowErrors(nil, err)
					if len(fields) > 0 {
						// Rows updated again since have their own outcome.
						if fields = slices.DeleteFunc(fields, func(fe model.FieldError) bool { return stale(fe.Row) }); len(fields) == 0 {
							return nil
						}
					}
					s.attachErrors(st, "bulk updating", err, fields)
					return nil
				}
				for _, id := range ids {
					if stale(id) {
						continue
					}
					st.clearErrors(id)
					confirmed = append(confirmed, id)
				}
				return nil
			})
		if applied && err == nil && len(confirmed) > 0 {
			s.settled(Settled{Op: OpUpdate, Rows: confirmed, Fields: fields})
		}
	}
}

// sendBulkCreate creates a batch and promotes each returned entity into the
// placeholder with the same identifier. Each batch has its own key since the
// Creating markers already keep batches disjoint.
func (s *Sheet) sendBulkCreate(st *State, batch []model.Placeholder) job {
	s.taskSeq++
	tok := s.tasks.Supersede(task.Keyed("bulk-create", s.taskSeq))
	payloads := make([]backend.Payload, len(batch))
	rows := make([]model.RowID, len(batch))
	byIdentifier := make(map[string]sent, len(batch))
	for i, p := range batch {
		payload, req := s.createPayload(st, p, tok.Seq())
		payloads[i] = payload
		rows[i] = p.ID
		byIdentifier[s.schema.Identify(req.values)] = req
	}
	return func() {
		defer tok.Done()
		created, err := s.client.BulkCreate(tok.Context(), s.kind, s.parentRef, payloads)
		var ids []model.ID
		applied := s.transition(tok,
			func(st *State) {
				for _, p := range batch {
					release(st.creating, p.ID, tok.Seq())
				}
			},
			func(st *State) []job {
				if err != nil {
					s.log.Warn("bulk creating failed", "rows", len(batch), "error", err)
					s.attachErrors(st, "bulk creating", err, backend.IndexedErrors(rows, err))
					return nil
				}
				pending := maps.Clone(byIdentifier)
				var jobs []job
				for _, e := range created {
					ident := s.schema.Identify(e.Values)
					req, ok := pending[ident]
					if !ok {
						s.log.Warn("bulk create returned a row that matches no placeholder", "row", e.ID, "identifier", ident)
						continue
					}
					delete(pending, ident)
					ids = append(ids, e.ID)
					jobs = append(jobs, s.promoteCreated(st, req, e)...)
				}
				for ident, req := range pending {
					s.log.Warn("bulk create returned no row for placeholder", "placeholder", req.id, "identifier", ident)
				}
				return jobs
			})
		if applied && err == nil && len(ids) > 0 {
			s.settled(Settled{Op: OpCreate, Rows: ids})
		}
	}
}
