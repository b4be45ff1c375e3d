package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cleared-dev/budgetgrid/internal/importer"
	"github.com/cleared-dev/budgetgrid/internal/model"
	"github.com/cleared-dev/budgetgrid/internal/session"
	"github.com/cleared-dev/budgetgrid/internal/sheet"
)

// Named is a sheet with the path it was opened under.
type Named struct {
	Path  string
	Sheet *sheet.Sheet
}

// Runner applies script steps to a session. Every step waits for the session
// to settle before the next one starts.
type Runner struct {
	s      *session.Session
	log    *slog.Logger
	opened []string
}

// NewRunner returns a Runner over s.
func NewRunner(s *session.Session, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{s: s, log: log}
}

// Run executes every step of script. It stops at the first step that cannot
// be dispatched; backend failures are not step errors and end up in the
// sheets' errors and notices instead.
func (r *Runner) Run(ctx context.Context, script *Script) error {
	r.s.Wait()
	for i, st := range script.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.log.Debug("replay step", "step", i+1)
		if err := r.step(script.dir, st); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		r.s.Wait()
	}
	return nil
}

// Sheets returns the root sheets followed by the detail sheets still open,
// in the order they were opened.
func (r *Runner) Sheets() []Named {
	out := []Named{
		{"accounts", r.s.Accounts()},
		{"actuals", r.s.Actuals()},
		{"fringes", r.s.Fringes()},
	}
	for _, p := range r.opened {
		sh, err := r.Resolve(p)
		if err != nil {
			continue
		}
		out = append(out, Named{p, sh})
	}
	return out
}

// Resolve returns the open sheet at path.
func (r *Runner) Resolve(path string) (*sheet.Sheet, error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	return r.resolve(p, false)
}

func (r *Runner) resolve(p Path, open bool) (*sheet.Sheet, error) {
	if len(p.Rows) == 0 {
		switch p.Root {
		case "accounts":
			return r.s.Accounts(), nil
		case "actuals":
			return r.s.Actuals(), nil
		default:
			return r.s.Fringes(), nil
		}
	}
	lister, err := r.resolve(p.parent(), open)
	if err != nil {
		return nil, err
	}
	e, err := entityAt(lister.State(), p.Rows[len(p.Rows)-1])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.parent(), err)
	}
	if sh, ok := r.s.Sheet(e.Ref()); ok {
		return sh, nil
	}
	if !open {
		return nil, fmt.Errorf("sheet %s is not open", p)
	}
	sh, err := r.s.Open(e.Ref())
	if err != nil {
		return nil, err
	}
	r.s.Wait()
	r.opened = append(r.opened, p.String())
	return sh, nil
}

func (r *Runner) step(dir string, st Step) error {
	switch {
	case st.Open != "":
		p, _ := ParsePath(st.Open)
		_, err := r.resolve(p, true)
		return err
	case st.Close != "":
		return r.close(st.Close)
	}

	sh, err := r.Resolve(st.Sheet)
	if err != nil {
		return err
	}
	state := sh.State()

	switch {
	case st.Request != nil:
		return sh.Dispatch(sheet.Request{Search: st.Request.Search})
	case len(st.Set) > 0:
		var in sheet.Update
		for _, c := range st.Set {
			ch, err := r.change(state, c)
			if err != nil {
				return err
			}
			in.Changes = append(in.Changes, ch)
		}
		return sh.Dispatch(in)
	case st.Add > 0:
		return sh.Dispatch(sheet.AddPlaceholders{Count: st.Add})
	case len(st.Remove) > 0:
		ids, err := rowIDs(state, st.Remove)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := sh.Dispatch(sheet.Remove{Row: id}); err != nil {
				return err
			}
		}
		return nil
	case len(st.Select) > 0:
		ids, err := rowIDs(state, st.Select)
		if err != nil {
			return err
		}
		return sh.Dispatch(sheet.Select{Rows: ids})
	case len(st.Deselect) > 0:
		ids, err := rowIDs(state, st.Deselect)
		if err != nil {
			return err
		}
		return sh.Dispatch(sheet.Deselect{Rows: ids})
	case st.Group != nil:
		ids, err := rowIDs(state, st.Group.Rows)
		if err != nil {
			return err
		}
		return sh.Dispatch(sheet.CreateGroup{Name: st.Group.Name, Color: st.Group.Color, Children: ids})
	case st.RenameGroup != nil:
		g, err := groupAt(state, st.RenameGroup.Index)
		if err != nil {
			return err
		}
		return sh.Dispatch(sheet.UpdateGroup{ID: g.ID, Name: st.RenameGroup.Name, Color: st.RenameGroup.Color})
	case st.DeleteGroup > 0:
		g, err := groupAt(state, st.DeleteGroup)
		if err != nil {
			return err
		}
		return sh.Dispatch(sheet.DeleteGroup{ID: g.ID})
	case st.Move != nil:
		ids, err := rowIDs(state, []int{st.Move.Row})
		if err != nil {
			return err
		}
		if st.Move.Group == 0 {
			return sh.Dispatch(sheet.RemoveFromGroup{Row: ids[0]})
		}
		g, err := groupAt(state, st.Move.Group)
		if err != nil {
			return err
		}
		return sh.Dispatch(sheet.AddToGroup{Group: g.ID, Row: ids[0]})
	case st.Import != nil:
		return r.importActuals(sh, dir, *st.Import)
	}
	return errors.New("no action")
}

func (r *Runner) importActuals(sh *sheet.Sheet, dir string, in Import) error {
	sub, err := r.value(model.FieldSpec{Type: model.NumberField}, in.SubAccount)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	n, ok := sub.Number()
	if !ok {
		return errors.New("import: subaccount is required")
	}
	path := in.File
	if !filepath.IsAbs(path) && dir != "" {
		path = filepath.Join(dir, path)
	}
	txns, err := importer.DefaultRegistry().Load(path, in.Format)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	rows := importer.Actuals(txns, model.ID(n.IntPart()))
	r.log.Info("importing actuals", "file", path, "transactions", len(txns), "rows", len(rows))
	return importer.Apply(sh, rows)
}

// close closes the sheet at path and every sheet opened below it.
func (r *Runner) close(path string) error {
	sh, err := r.Resolve(path)
	if err != nil {
		return err
	}
	p, _ := ParsePath(path)
	prefix := p.String()

	closing := []*sheet.Sheet{sh}
	var kept []string
	for _, o := range r.opened {
		if !strings.HasPrefix(o, prefix+"/") {
			if o != prefix {
				kept = append(kept, o)
			}
			continue
		}
		if child, err := r.Resolve(o); err == nil {
			closing = append(closing, child)
		}
	}
	r.opened = kept
	for _, c := range closing {
		r.s.Close(c.ParentRef())
	}
	return nil
}

func (r *Runner) change(st *sheet.State, c Cell) (sheet.Change, error) {
	ids, err := rowIDs(st, []int{c.Row})
	if err != nil {
		return sheet.Change{}, err
	}
	field := model.Field(c.Field)
	spec, ok := model.SchemaFor(st.Kind).Spec(field)
	if !ok {
		return sheet.Change{}, fmt.Errorf("unknown field %q for %s", c.Field, st.Kind)
	}
	v, err := r.value(spec, c.Value)
	if err != nil {
		return sheet.Change{}, fmt.Errorf("row %d field %s: %w", c.Row, c.Field, err)
	}
	return sheet.Change{Row: ids[0], Field: field, Value: v}, nil
}

// value parses raw for spec. Empty text is kept as text so a required field
// can be blanked; an empty number is null.
func (r *Runner) value(spec model.FieldSpec, raw string) (model.Value, error) {
	if ref, ok := strings.CutPrefix(raw, "@"); ok {
		id, err := r.reference(ref)
		if err != nil {
			return model.Value{}, err
		}
		return model.Number(decimal.NewFromInt(int64(id))), nil
	}
	if spec.Type == model.NumberField {
		return model.NumberFromString(raw)
	}
	return model.Text(raw), nil
}

// reference resolves "accounts/2:1" to the id of row 1 of accounts/2.
func (r *Runner) reference(ref string) (model.ID, error) {
	path, row, ok := strings.Cut(ref, ":")
	if !ok {
		return 0, fmt.Errorf("invalid reference %q: expected sheet:row", ref)
	}
	n, err := strconv.Atoi(row)
	if err != nil {
		return 0, fmt.Errorf("invalid reference %q: %w", ref, err)
	}
	sh, err := r.Resolve(path)
	if err != nil {
		return 0, err
	}
	e, err := entityAt(sh.State(), n)
	if err != nil {
		return 0, fmt.Errorf("reference %q: %w", ref, err)
	}
	return e.ID, nil
}

func rowIDs(st *sheet.State, rows []int) ([]model.RowID, error) {
	out := make([]model.RowID, 0, len(rows))
	for _, n := range rows {
		if n < 1 || n > len(st.Rows) {
			return nil, fmt.Errorf("row %d out of range: sheet has %d rows", n, len(st.Rows))
		}
		out = append(out, st.Rows[n-1].RowID())
	}
	return out, nil
}

func entityAt(st *sheet.State, n int) (model.Entity, error) {
	ids, err := rowIDs(st, []int{n})
	if err != nil {
		return model.Entity{}, err
	}
	e, ok := st.Rows[n-1].(model.Entity)
	if !ok {
		return model.Entity{}, fmt.Errorf("row %d (%s) is not saved yet", n, ids[0])
	}
	return e, nil
}

func groupAt(st *sheet.State, n int) (model.Group, error) {
	if n < 1 || n > len(st.Groups) {
		return model.Group{}, fmt.Errorf("group %d out of range: sheet has %d groups", n, len(st.Groups))
	}
	return st.Groups[n-1], nil
}
