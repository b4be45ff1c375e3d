package sheet

import (
	"fmt"
	"slices"
	"strings"

	"github.com/cleared-dev/budgetgrid/internal/backend"
	"github.com/cleared-dev/budgetgrid/internal/model"
	"github.com/cleared-dev/budgetgrid/internal/task"
)

// createGroup sends the persisted members; placeholder members join the
// group locally and carry it in their own create request.
func (s *Sheet) createGroup(st *State, in CreateGroup) []job {
	if !s.schema.Grouped {
		st.notice(fmt.Sprintf("%ss cannot be grouped", s.kind))
		return nil
	}
	if strings.TrimSpace(in.Name) == "" {
		st.notice("creating group: a name is required")
		return nil
	}
	var (
		members   []model.RowID
		persisted []model.ID
	)
	for _, id := range in.Children {
		if st.indexOf(id) < 0 {
			s.log.Warn("group member is not in the sheet", "row", id)
			continue
		}
		members = append(members, id)
		if eid, ok := id.(model.ID); ok {
			persisted = append(persisted, eid)
		}
	}

	s.taskSeq++
	tok := s.tasks.Supersede(task.Keyed("create-group", s.taskSeq))
	payload := backend.GroupPayload{Name: in.Name, Color: in.Color, Children: persisted}
	return []job{func() {
		defer tok.Done()
		g, err := s.client.CreateGroup(tok.Context(), s.parentRef, payload)
		s.commit(tok, func(st *State) []job {
			if err != nil {
				s.groupFailure(st, "creating group", err)
				return nil
			}
			g.Children = nil
			st.Groups = append(st.Groups, g)
			for _, id := range members {
				placeInGroup(st, id, g.ID, s.log)
			}
			return nil
		})
	}}
}

func (s *Sheet) updateGroup(st *State, in UpdateGroup) []job {
	gi := st.groupIndex(in.ID)
	if gi < 0 {
		s.log.Warn("update for a group that is not in the sheet", "group", in.ID)
		return nil
	}
	g := st.Groups[gi].Clone()
	if in.Name != "" {
		g.Name = in.Name
	}
	if in.Color != "" {
		g.Color = in.Color
	}
	st.Groups[gi] = g

	tok := s.tasks.Supersede(task.Keyed("update-group", int(in.ID)))
	payload := backend.GroupPayload{Name: in.Name, Color: in.Color}
	return []job{func() {
		defer tok.Done()
		resp, err := s.client.UpdateGroup(tok.Context(), in.ID, payload)
		s.commit(tok, func(st *State) []job {
			if err != nil {
				s.groupFailure(st, "updating group", err)
				return nil
			}
			gi := st.groupIndex(in.ID)
			if gi < 0 {
				s.log.Warn("updated group is no longer in the sheet", "group", in.ID)
				return nil
			}
			g := st.Groups[gi].Clone()
			g.Name, g.Color = resp.Name, resp.Color
			st.Groups[gi] = g
			return nil
		})
	}}
}

// deleteGroup removes the group once the backend confirms. Its rows stay
// in the sheet, ungrouped.
func (s *Sheet) deleteGroup(st *State, in DeleteGroup) []job {
	if st.groupIndex(in.ID) < 0 {
		s.log.Warn("delete for a group that is not in the sheet", "group", in.ID)
		return nil
	}
	if st.DeletingGroup(in.ID) {
		return nil
	}
	tok := s.tasks.Supersede(task.Keyed("delete-group", int(in.ID)))
	st.deletingGroups[in.ID] = tok.Seq()
	return []job{func() {
		defer tok.Done()
		err := s.client.DeleteGroup(tok.Context(), in.ID)
		if backend.IsNotFound(err) {
			s.log.Warn("deleted group was already gone", "group", in.ID)
			err = nil
		}
		s.transition(tok,
			func(st *State) { release(st.deletingGroups, in.ID, tok.Seq()) },
			func(st *State) []job {
				if err != nil {
					s.groupFailure(st, "deleting group", err)
					return nil
				}
				removeGroup(st, in.ID)
				return nil
			})
	}}
}

func removeGroup(st *State, id model.ID) {
	gi := st.groupIndex(id)
	if gi < 0 {
		return
	}
	st.Groups = slices.Delete(st.Groups, gi, gi+1)
	for i, r := range st.Rows {
		if groupOf(r) == id {
			st.Rows[i] = withGroup(r, 0)
		}
	}
}

func (s *Sheet) addToGroup(st *State, in AddToGroup) []job {
	if st.groupIndex(in.Group) < 0 {
		s.log.Warn("add to a group that is not in the sheet", "group", in.Group)
		return nil
	}
	return s.moveRow(st, in.Row, in.Group)
}

func (s *Sheet) removeFromGroup(st *State, in RemoveFromGroup) []job {
	return s.moveRow(st, in.Row, 0)
}

// moveRow changes a row's group membership optimistically. Only persisted
// rows need a request.
func (s *Sheet) moveRow(st *State, id model.RowID, gid model.ID) []job {
	i := st.indexOf(id)
	if i < 0 {
		s.log.Warn("group change for a row that is not in the sheet", "row", id)
		return nil
	}
	if groupOf(st.Rows[i]) == gid {
		return nil
	}
	placeInGroup(st, id, gid, s.log)
	if eid, ok := id.(model.ID); ok {
		return []job{s.sendMembership(st, eid, gid)}
	}
	return nil
}

func (s *Sheet) sendMembership(st *State, id model.ID, gid model.ID) job {
	tok := s.tasks.Supersede(task.Keyed("membership", int(id)))
	st.updating[id] = tok.Seq()
	return func() {
		defer tok.Done()
		_, err := s.client.Update(tok.Context(), s.kind, id, backend.Payload{Group: backend.GroupRef(gid)})
		s.transition(tok,
			func(st *State) { release(st.updating, id, tok.Seq()) },
			func(st *State) []job {
				if err != nil {
					s.recordFailure(st, id, "moving row", err)
				}
				return nil
			})
	}
}

func (s *Sheet) groupFailure(st *State, what string, err error) {
	s.log.Warn(what+" failed", "error", err)
	if fields := backend.FieldErrors(err); len(fields) > 0 {
		for _, fe := range fields {
			st.notice(fmt.Sprintf("%s: %s: %s", what, fe.Field, fe.Message))
		}
		return
	}
	st.notice(fmt.Sprintf("%s: %v", what, err))
}
