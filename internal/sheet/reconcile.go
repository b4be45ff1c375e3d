package sheet

import (
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/cleared-dev/budgetgrid/internal/backend"
	"github.com/cleared-dev/budgetgrid/internal/model"
	"github.com/cleared-dev/budgetgrid/internal/task"
)

func (s *Sheet) request(st *State, in Request) []job {
	st.Loading = true
	st.Search = in.Search
	tok := s.tasks.Replace(task.Slot("request"))
	return []job{func() { s.runRequest(tok, in.Search) }}
}

// runRequest fetches the parent, the rows and (for grouped kinds) the groups
// concurrently and applies them together.
func (s *Sheet) runRequest(tok *task.Token, search string) {
	defer tok.Done()
	ctx := tok.Context()

	var (
		parent model.Entity
		list   backend.ListResponse
		groups []model.Group
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		parent, err = s.client.Retrieve(gctx, s.parentRef)
		return err
	})
	g.Go(func() (err error) {
		list, err = s.client.List(gctx, s.kind, s.parentRef, backend.ListOptions{Search: search})
		return err
	})
	if s.schema.Grouped {
		g.Go(func() (err error) {
			groups, err = s.client.ListGroups(gctx, s.parentRef)
			return err
		})
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.log.Error("loading sheet failed", "error", err)
		s.commit(tok, func(st *State) []job {
			st.Loading = false
			st.notice(fmt.Sprintf("loading %ss: %v", s.kind, err))
			return nil
		})
		return
	}
	// A search that matches nothing says nothing about the whole list.
	empty := len(list.Data) == 0
	if empty && search != "" {
		all, err := s.client.List(ctx, s.kind, s.parentRef, backend.ListOptions{})
		if ctx.Err() != nil {
			return
		}
		empty = err == nil && len(all.Data) == 0
	}
	if s.schema.Grouped && groups == nil {
		groups = []model.Group{}
	}
	s.commit(tok, func(st *State) []job {
		st.Parent = parent
		applyListResponse(st, list.Data, groups, s.log)
		st.filtered = nil
		if search != "" {
			st.filtered = newBaseline(parent, st.Rows)
		}
		if empty && len(st.Rows) == 0 {
			createPlaceholders(st, s.opts.PlaceholderBatch, 0, s.log)
		}
		return nil
	})
}

// mergeChanges groups changes by row in first-seen order. A later change to
// the same field of the same row wins.
func mergeChanges(changes []Change) ([]model.RowID, map[model.RowID]model.Values) {
	var order []model.RowID
	patches := map[model.RowID]model.Values{}
	for _, c := range changes {
		p, ok := patches[c.Row]
		if !ok {
			p = model.Values{}
			patches[c.Row] = p
			order = append(order, c.Row)
		}
		p[c.Field] = c.Value
	}
	return order, patches
}

func (s *Sheet) update(st *State, in Update) []job {
	order, patches := mergeChanges(in.Changes)
	if len(order) > 1 && len(order) >= s.opts.BulkThreshold {
		return s.bulk(st, order, patches)
	}
	var jobs []job
	for _, id := range order {
		jobs = append(jobs, s.change(st, id, patches[id])...)
	}
	return jobs
}

// change routes one row's patch to the update path or the placeholder path.
func (s *Sheet) change(st *State, id model.RowID, patch model.Values) []job {
	if err := s.schema.Check(patch); err != nil {
		s.log.Warn("rejected change", "row", id, "error", err)
		st.notice(err.Error())
		return nil
	}
	switch id := id.(type) {
	case model.ID:
		if !s.applyEntityPatch(st, id, patch) {
			return nil
		}
		return []job{s.sendUpdate(st, id, patch)}
	case model.PlaceholderID:
		p, ok := updatePlaceholder(st, id, patch)
		if !ok {
			s.log.Warn("change for a row that is not in the sheet", "row", id)
			return nil
		}
		if !s.schema.Ready(p.Values) || st.Creating(p.ID) {
			return nil
		}
		return []job{s.sendCreate(st, p)}
	}
	s.log.Warn("change for an unknown row id", "row", id)
	return nil
}

// applyEntityPatch is the optimistic half of the update path.
func (s *Sheet) applyEntityPatch(st *State, id model.ID, patch model.Values) bool {
	e, i, ok := st.entity(id)
	if !ok {
		s.log.Warn("change for a row that is not in the sheet", "row", id)
		return false
	}
	e = e.Clone()
	e.Values = e.Values.Merge(patch)
	st.Rows[i] = model.Rederive(e)
	st.clearErrors(id, patch.Fields()...)
	return true
}

func (s *Sheet) sendUpdate(st *State, id model.ID, patch model.Values) job {
	tok := s.tasks.Supersede(task.Keyed("update", int(id)))
	st.updating[id] = tok.Seq()
	return func() {
		defer tok.Done()
		resp, err := s.client.Update(tok.Context(), s.kind, id, backend.Payload{Values: patch})
		applied := s.transition(tok,
			func(st *State) { release(st.updating, id, tok.Seq()) },
			func(st *State) []job {
				if err != nil {
					s.recordFailure(st, id, "updating", err)
					return nil
				}
				applyUpdate(st, resp, s.log)
				st.clearErrors(id)
				return nil
			})
		if applied && err == nil {
			s.settled(Settled{Op: OpUpdate, Rows: []model.ID{id}, Fields: patch.Fields()})
		}
	}
}

// sent is what a create request carried for one placeholder.
type sent struct {
	id     model.PlaceholderID
	values model.Values
	group  model.ID
}

func (s *Sheet) createPayload(st *State, p model.Placeholder, seq uint64) (backend.Payload, sent) {
	values := s.schema.Payload(p.Values)
	payload := backend.Payload{Values: values}
	if p.Group != 0 {
		payload.Group = backend.GroupRef(p.Group)
	}
	st.creating[p.ID] = seq
	return payload, sent{id: p.ID, values: values, group: p.Group}
}

// sendCreate runs create-then-promote for one placeholder. Creates are never
// superseded: the Creating marker already prevents a second create for the
// same placeholder.
func (s *Sheet) sendCreate(st *State, p model.Placeholder) job {
	tok := s.tasks.Supersede(task.Slot("create/" + p.ID.String()))
	payload, req := s.createPayload(st, p, tok.Seq())
	return func() {
		defer tok.Done()
		e, err := s.client.Create(tok.Context(), s.kind, s.parentRef, payload)
		applied := s.transition(tok,
			func(st *State) { release(st.creating, p.ID, tok.Seq()) },
			func(st *State) []job {
				if err != nil {
					s.recordFailure(st, p.ID, "creating", err)
					return nil
				}
				return s.promoteCreated(st, req, e)
			})
		if applied && err == nil {
			s.settled(Settled{Op: OpCreate, Rows: []model.ID{e.ID}, Fields: req.values.Fields()})
		}
	}
}

// promoteCreated replaces a placeholder with its created entity. Edits made
// while the create was in flight are kept on the row and sent as a
// follow-up update. A placeholder discarded in the meantime leaves an orphan
// on the backend, which is deleted.
func (s *Sheet) promoteCreated(st *State, req sent, e model.Entity) []job {
	cur, _, ok := st.placeholder(req.id)
	if !ok {
		s.log.Warn("placeholder discarded during create, deleting created row", "placeholder", req.id, "row", e.ID)
		return []job{s.deleteOrphan(e.ID)}
	}

	followUp := s.schema.Payload(cur.Values).Diff(req.values)
	e = e.Clone()
	if len(followUp) > 0 {
		e.Values = e.Values.Merge(followUp)
		e = model.Rederive(e)
	}
	moved := cur.Group != req.group
	if moved {
		e.Group = cur.Group
	}
	promote(st, req.id, e, s.log)

	var jobs []job
	if len(followUp) > 0 {
		jobs = append(jobs, s.sendUpdate(st, e.ID, followUp))
	}
	if moved {
		jobs = append(jobs, s.sendMembership(st, e.ID, cur.Group))
	}
	return jobs
}

func (s *Sheet) deleteOrphan(id model.ID) job {
	tok := s.tasks.Supersede(task.Keyed("delete", int(id)))
	return func() {
		defer tok.Done()
		if err := s.client.Delete(tok.Context(), s.kind, id); err != nil && !backend.IsNotFound(err) {
			s.log.Error("deleting orphaned row failed", "row", id, "error", err)
		}
	}
}

func (s *Sheet) remove(st *State, in Remove) []job {
	switch id := in.Row.(type) {
	case model.ID:
		if _, _, ok := st.entity(id); !ok {
			s.log.Warn("remove for a row that is not in the sheet", "row", id)
			return nil
		}
		if st.Deleting(id) {
			return nil
		}
		return []job{s.sendDelete(st, id)}
	case model.PlaceholderID:
		discard(st, id, s.log)
		return nil
	}
	s.log.Warn("remove for an unknown row id", "row", in.Row)
	return nil
}

// sendDelete removes the row once the backend confirms. A row the backend no
// longer knows is removed too.
func (s *Sheet) sendDelete(st *State, id model.ID) job {
	tok := s.tasks.Supersede(task.Keyed("delete", int(id)))
	st.deleting[id] = tok.Seq()
	return func() {
		defer tok.Done()
		err := s.client.Delete(tok.Context(), s.kind, id)
		if backend.IsNotFound(err) {
			s.log.Warn("deleted row was already gone", "row", id)
			err = nil
		}
		applied := s.transition(tok,
			func(st *State) { release(st.deleting, id, tok.Seq()) },
			func(st *State) []job {
				if err != nil {
					s.log.Error("deleting row failed", "row", id, "error", err)
					st.notice(fmt.Sprintf("deleting %s %d: %v", s.kind, id, err))
					return nil
				}
				applyRemove(st, id, s.log)
				return nil
			})
		if applied && err == nil {
			s.settled(Settled{Op: OpDelete, Rows: []model.ID{id}})
		}
	}
}

func (s *Sheet) addPlaceholders(st *State, in AddPlaceholders) []job {
	n := in.Count
	if n <= 0 {
		n = s.opts.PlaceholderBatch
	}
	if in.Group != 0 && st.groupIndex(in.Group) < 0 {
		s.log.Warn("placeholders requested in a missing group", "group", in.Group)
	}
	createPlaceholders(st, n, in.Group, s.log)
	return nil
}

func (s *Sheet) selectRows(st *State, ids []model.RowID) {
	for _, id := range ids {
		if st.indexOf(id) < 0 {
			s.log.Warn("select for a row that is not in the sheet", "row", id)
			continue
		}
		if !slices.Contains(st.Selected, id) {
			st.Selected = append(st.Selected, id)
		}
	}
}

func (s *Sheet) deselectRows(st *State, ids []model.RowID) {
	if len(ids) == 0 {
		st.Selected = nil
		return
	}
	st.Selected = slices.DeleteFunc(st.Selected, func(id model.RowID) bool { return slices.Contains(ids, id) })
}

// recordFailure turns a backend error into field errors on the rows it names,
// or a notice when it names none.
func (s *Sheet) recordFailure(st *State, row model.RowID, what string, err error) {
	s.log.Warn(what+" failed", "row", row, "error", err)
	s.attachErrors(st, what, err, backend.RowErrors(row, err))
}

// attachErrors records fields as cell errors. Errors naming no row in the
// sheet become notices, and so does err itself when fields is empty.
func (s *Sheet) attachErrors(st *State, what string, err error, fields []model.FieldError) {
	if len(fields) == 0 {
		st.notice(fmt.Sprintf("%s %s: %v", what, s.kind, err))
		return
	}
	for _, fe := range fields {
		if fe.Row == nil || st.indexOf(fe.Row) < 0 {
			st.notice(fmt.Sprintf("%s %s: %s: %s", what, s.kind, fe.Field, fe.Message))
			continue
		}
		st.clearErrors(fe.Row, fe.Field)
		st.Errors = append(st.Errors, fe)
	}
}
