// Package memory is an in-memory implementation of the budgeting API. It is
// the source of truth for the serve and replay commands and for tests.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/cleared-dev/budgetgrid/internal/backend"
	"github.com/cleared-dev/budgetgrid/internal/model"
)

// Op names a backend operation for interception.
type Op string

const (
	OpRetrieve    Op = "retrieve"
	OpList        Op = "list"
	OpCreate      Op = "create"
	OpUpdate      Op = "update"
	OpDelete      Op = "delete"
	OpBulkCreate  Op = "bulk-create"
	OpBulkUpdate  Op = "bulk-update"
	OpListGroups  Op = "list-groups"
	OpCreateGroup Op = "create-group"
	OpUpdateGroup Op = "update-group"
	OpDeleteGroup Op = "delete-group"
)

// Call describes one backend call seen by an Interceptor.
type Call struct {
	Op   Op
	Kind model.Kind
	ID   model.ID // the entity or group id, or the parent id for collection calls
}

// Interceptor runs before every call. A non-nil error is returned to the
// caller instead of executing the call.
type Interceptor func(ctx context.Context, call Call) error

// Backend stores every entity and group of every budget.
type Backend struct {
	mu          sync.Mutex
	nextID      model.ID
	entities    map[model.ID]model.Entity
	groups      map[model.ID]model.Group
	order       []model.ID
	groupOrder  []model.ID
	interceptor Interceptor
	log         *slog.Logger
}

var _ backend.Client = (*Backend)(nil)

// New creates an empty Backend. A nil logger discards diagnostics.
func New(log *slog.Logger) *Backend {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Backend{
		nextID:   1,
		entities: make(map[model.ID]model.Entity),
		groups:   make(map[model.ID]model.Group),
		log:      log,
	}
}

// SetInterceptor installs fn to run before every call.
func (b *Backend) SetInterceptor(fn Interceptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interceptor = fn
}

func (b *Backend) intercept(ctx context.Context, call Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	fn := b.interceptor
	b.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, call)
}

// CreateBudget adds a new budget and returns it.
func (b *Backend) CreateBudget(name string) model.Entity {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := model.Entity{ID: b.allocID(), Kind: model.KindBudget, Values: model.Values{model.FieldName: model.Text(name)}}
	b.insert(e)
	b.recompute()
	return b.entities[e.ID].Clone()
}

// Get returns a stored entity.
func (b *Backend) Get(id model.ID) (model.Entity, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entities[id]
	if !ok {
		return model.Entity{}, false
	}
	return e.Clone(), true
}

// Retrieve implements backend.Client.
func (b *Backend) Retrieve(ctx context.Context, ref model.ParentRef) (model.Entity, error) {
	if err := b.intercept(ctx, Call{Op: OpRetrieve, Kind: ref.Kind, ID: ref.ID}); err != nil {
		return model.Entity{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entities[ref.ID]
	if !ok || e.Kind != ref.Kind {
		return model.Entity{}, backend.NotFound(ref.String())
	}
	return e.Clone(), nil
}

// List implements backend.Client.
func (b *Backend) List(ctx context.Context, kind model.Kind, parent model.ParentRef, opts backend.ListOptions) (backend.ListResponse, error) {
	if err := b.intercept(ctx, Call{Op: OpList, Kind: kind, ID: parent.ID}); err != nil {
		return backend.ListResponse{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkParent(parent); err != nil {
		return backend.ListResponse{}, err
	}
	var data []model.Entity
	for _, e := range b.childrenOf(kind, parent) {
		if opts.Search != "" && !matches(e, opts.Search) {
			continue
		}
		data = append(data, e.Clone())
	}
	return backend.ListResponse{Count: len(data), Data: data}, nil
}

// Create implements backend.Client.
func (b *Backend) Create(ctx context.Context, kind model.Kind, parent model.ParentRef, payload backend.Payload) (model.Entity, error) {
	if err := b.intercept(ctx, Call{Op: OpCreate, Kind: kind, ID: parent.ID}); err != nil {
		return model.Entity{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkParent(parent); err != nil {
		return model.Entity{}, err
	}
	if err := b.validateCreate(kind, parent, payload, nil); err != nil {
		return model.Entity{}, err
	}
	e := b.build(kind, parent, payload)
	b.insert(e)
	b.recompute()
	b.log.Debug("created entity", "kind", kind, "id", e.ID, "parent", parent)
	return b.entities[e.ID].Clone(), nil
}

// Update implements backend.Client.
func (b *Backend) Update(ctx context.Context, kind model.Kind, id model.ID, payload backend.Payload) (model.Entity, error) {
	if err := b.intercept(ctx, Call{Op: OpUpdate, Kind: kind, ID: id}); err != nil {
		return model.Entity{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entities[id]
	if !ok || e.Kind != kind {
		return model.Entity{}, backend.NotFound(fmt.Sprintf("%s %d", kind, id))
	}
	if err := b.validateUpdate(e, payload, 0); err != nil {
		return model.Entity{}, err
	}
	b.apply(e, payload)
	b.recompute()
	return b.entities[id].Clone(), nil
}

// Delete implements backend.Client. Child subaccounts are deleted with their
// parent and actuals charged to a deleted subaccount are unlinked.
func (b *Backend) Delete(ctx context.Context, kind model.Kind, id model.ID) error {
	if err := b.intercept(ctx, Call{Op: OpDelete, Kind: kind, ID: id}); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entities[id]
	if !ok || e.Kind != kind {
		return backend.NotFound(fmt.Sprintf("%s %d", kind, id))
	}
	b.remove(e)
	b.recompute()
	return nil
}

// BulkCreate implements backend.Client. It is all-or-nothing.
func (b *Backend) BulkCreate(ctx context.Context, kind model.Kind, parent model.ParentRef, payloads []backend.Payload) ([]model.Entity, error) {
	if err := b.intercept(ctx, Call{Op: OpBulkCreate, Kind: kind, ID: parent.ID}); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkParent(parent); err != nil {
		return nil, err
	}
	var batch []string
	for i, p := range payloads {
		if err := b.validateCreate(kind, parent, p, batch); err != nil {
			return nil, backend.AtIndex(err, i)
		}
		if id := model.SchemaFor(kind).Identify(p.Values); id != "" {
			batch = append(batch, id)
		}
	}
	created := make([]model.ID, 0, len(payloads))
	for _, p := range payloads {
		e := b.build(kind, parent, p)
		b.insert(e)
		created = append(created, e.ID)
	}
	b.recompute()
	out := make([]model.Entity, len(created))
	for i, id := range created {
		out[i] = b.entities[id].Clone()
	}
	return out, nil
}

// BulkUpdate implements backend.Client. It is all-or-nothing.
func (b *Backend) BulkUpdate(ctx context.Context, kind model.Kind, parent model.ParentRef, items []backend.BulkItem) error {
	if err := b.intercept(ctx, Call{Op: OpBulkUpdate, Kind: kind, ID: parent.ID}); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, it := range items {
		e, ok := b.entities[it.ID]
		if !ok || e.Kind != kind || e.Parent != parent {
			return backend.NotFound(fmt.Sprintf("%s %d under %s", kind, it.ID, parent))
		}
		if err := b.validateUpdate(e, it.Payload, it.ID); err != nil {
			return err
		}
	}
	for _, it := range items {
		b.apply(b.entities[it.ID], it.Payload)
	}
	b.recompute()
	return nil
}

// ListGroups implements backend.Client.
func (b *Backend) ListGroups(ctx context.Context, parent model.ParentRef) ([]model.Group, error) {
	if err := b.intercept(ctx, Call{Op: OpListGroups, Kind: parent.Kind, ID: parent.ID}); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkParent(parent); err != nil {
		return nil, err
	}
	var out []model.Group
	for _, id := range b.groupOrder {
		if g := b.groups[id]; g.Parent == parent {
			out = append(out, g.Clone())
		}
	}
	return out, nil
}

// CreateGroup implements backend.Client.
func (b *Backend) CreateGroup(ctx context.Context, parent model.ParentRef, payload backend.GroupPayload) (model.Group, error) {
	if err := b.intercept(ctx, Call{Op: OpCreateGroup, Kind: parent.Kind, ID: parent.ID}); err != nil {
		return model.Group{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkParent(parent); err != nil {
		return model.Group{}, err
	}
	if strings.TrimSpace(payload.Name) == "" {
		return model.Group{}, backend.NewValidationError(0, "name", "This field is required.")
	}
	if err := b.checkGroupChildren(parent, payload.Children); err != nil {
		return model.Group{}, err
	}
	g := model.Group{ID: b.allocID(), Name: payload.Name, Color: payload.Color, Parent: parent}
	b.groups[g.ID] = g
	b.groupOrder = append(b.groupOrder, g.ID)
	b.setMembers(g.ID, payload.Children)
	b.recompute()
	return b.groups[g.ID].Clone(), nil
}

// UpdateGroup implements backend.Client.
func (b *Backend) UpdateGroup(ctx context.Context, id model.ID, payload backend.GroupPayload) (model.Group, error) {
	if err := b.intercept(ctx, Call{Op: OpUpdateGroup, ID: id}); err != nil {
		return model.Group{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[id]
	if !ok {
		return model.Group{}, backend.NotFound(fmt.Sprintf("group %d", id))
	}
	if payload.Name != "" {
		g.Name = payload.Name
	}
	if payload.Color != "" {
		g.Color = payload.Color
	}
	b.groups[id] = g
	if payload.Children != nil {
		if err := b.checkGroupChildren(g.Parent, payload.Children); err != nil {
			return model.Group{}, err
		}
		b.setMembers(id, payload.Children)
	}
	b.recompute()
	return b.groups[id].Clone(), nil
}

// DeleteGroup implements backend.Client. Members become ungrouped.
func (b *Backend) DeleteGroup(ctx context.Context, id model.ID) error {
	if err := b.intercept(ctx, Call{Op: OpDeleteGroup, ID: id}); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.groups[id]; !ok {
		return backend.NotFound(fmt.Sprintf("group %d", id))
	}
	b.setMembers(id, nil)
	delete(b.groups, id)
	b.groupOrder = slices.DeleteFunc(b.groupOrder, func(g model.ID) bool { return g == id })
	b.recompute()
	return nil
}

func (b *Backend) allocID() model.ID {
	id := b.nextID
	b.nextID++
	return id
}

func (b *Backend) insert(e model.Entity) {
	b.entities[e.ID] = e
	b.order = append(b.order, e.ID)
}

func (b *Backend) build(kind model.Kind, parent model.ParentRef, p backend.Payload) model.Entity {
	e := model.Entity{
		ID:     b.allocID(),
		Kind:   kind,
		Parent: parent,
		Values: model.SchemaFor(kind).Payload(p.Values),
	}
	if p.Group != nil {
		e.Group = *p.Group
	}
	return e
}

func (b *Backend) apply(e model.Entity, p backend.Payload) {
	e = e.Clone()
	for f, v := range p.Values {
		if v.IsNull() {
			delete(e.Values, f)
			continue
		}
		e.Values[f] = v
	}
	if p.Group != nil {
		e.Group = *p.Group
	}
	b.entities[e.ID] = e
}

func (b *Backend) remove(e model.Entity) {
	for _, child := range b.childrenOf(model.KindSubAccount, e.Ref()) {
		b.remove(child)
	}
	if e.Kind == model.KindSubAccount {
		for id, other := range b.entities {
			if other.Kind != model.KindActual {
				continue
			}
			if n, ok := other.Values.Get(model.FieldSubAccount).Number(); ok && n.IntPart() == int64(e.ID) {
				other = other.Clone()
				delete(other.Values, model.FieldSubAccount)
				b.entities[id] = other
			}
		}
	}
	delete(b.entities, e.ID)
	b.order = slices.DeleteFunc(b.order, func(id model.ID) bool { return id == e.ID })
}

func (b *Backend) setMembers(groupID model.ID, members []model.ID) {
	for id, e := range b.entities {
		if e.Group == groupID && !slices.Contains(members, id) {
			e.Group = 0
			b.entities[id] = e
		}
	}
	for _, id := range members {
		e := b.entities[id]
		e.Group = groupID
		b.entities[id] = e
	}
}

func (b *Backend) childrenOf(kind model.Kind, parent model.ParentRef) []model.Entity {
	var out []model.Entity
	for _, id := range b.order {
		if e := b.entities[id]; e.Kind == kind && e.Parent == parent {
			out = append(out, e)
		}
	}
	return out
}

func (b *Backend) checkParent(parent model.ParentRef) error {
	p, ok := b.entities[parent.ID]
	if !ok || p.Kind != parent.Kind {
		return backend.NotFound(parent.String())
	}
	return nil
}

func (b *Backend) checkGroupChildren(parent model.ParentRef, children []model.ID) error {
	for _, id := range children {
		e, ok := b.entities[id]
		if !ok || e.Parent != parent {
			return backend.NewValidationError(0, "children", fmt.Sprintf("Row %d does not belong to %s.", id, parent))
		}
	}
	return nil
}

func (b *Backend) validateCreate(kind model.Kind, parent model.ParentRef, p backend.Payload, batch []string) error {
	schema := model.SchemaFor(kind)
	if err := schema.Check(p.Values); err != nil {
		return &backend.Error{Status: http.StatusBadRequest, Message: err.Error()}
	}
	if missing := schema.Missing(p.Values); len(missing) > 0 {
		return backend.NewValidationError(0, missing[0], "This field is required.")
	}
	if err := b.validateValues(kind, parent, 0, p.Values, 0); err != nil {
		return err
	}
	if id := schema.Identify(p.Values); id != "" && slices.Contains(batch, id) {
		return backend.NewValidationError(0, schema.Identifier, fmt.Sprintf("The identifier %s is used twice.", id))
	}
	return b.validateGroup(parent, p.Group, 0)
}

func (b *Backend) validateUpdate(e model.Entity, p backend.Payload, errID model.ID) error {
	schema := model.SchemaFor(e.Kind)
	if err := schema.Check(p.Values); err != nil {
		return &backend.Error{Status: http.StatusBadRequest, Message: err.Error()}
	}
	for f, v := range p.Values {
		if spec, _ := schema.Spec(f); spec.Required && v.Empty() {
			return backend.NewValidationError(errID, f, "This field may not be blank.")
		}
	}
	if err := b.validateValues(e.Kind, e.Parent, e.ID, p.Values, errID); err != nil {
		return err
	}
	return b.validateGroup(e.Parent, p.Group, errID)
}

var nonNegative = []model.Field{model.FieldQuantity, model.FieldRate, model.FieldMultiplier, model.FieldCutoff}

func (b *Backend) validateValues(kind model.Kind, parent model.ParentRef, self model.ID, values model.Values, errID model.ID) error {
	for _, f := range nonNegative {
		if n, ok := values.Get(f).Number(); ok && n.IsNegative() {
			return backend.NewValidationError(errID, f, "Ensure this value is greater than or equal to 0.")
		}
	}
	schema := model.SchemaFor(kind)
	if id := schema.Identify(values); id != "" {
		for _, sib := range b.childrenOf(kind, parent) {
			if sib.ID != self && schema.Identify(sib.Values) == id {
				return backend.NewValidationError(errID, schema.Identifier, fmt.Sprintf("The identifier %s already exists.", id))
			}
		}
	}
	if kind == model.KindActual {
		if n, ok := values.Get(model.FieldSubAccount).Number(); ok {
			sub, exists := b.entities[model.ID(n.IntPart())]
			if !exists || sub.Kind != model.KindSubAccount {
				return backend.NewValidationError(errID, model.FieldSubAccount, fmt.Sprintf("Sub account %s does not exist.", n))
			}
		}
	}
	return nil
}

func (b *Backend) validateGroup(parent model.ParentRef, group *model.ID, errID model.ID) error {
	if group == nil || *group == 0 {
		return nil
	}
	g, ok := b.groups[*group]
	if !ok || g.Parent != parent {
		return backend.NewValidationError(errID, "group", fmt.Sprintf("Group %d does not belong to %s.", *group, parent))
	}
	return nil
}

// recompute derives every server-side aggregate from scratch.
func (b *Backend) recompute() {
	actuals := map[model.ID][]decimal.NullDecimal{}
	fringes := map[model.ID][]model.Entity{}
	for _, id := range b.order {
		e := b.entities[id]
		switch e.Kind {
		case model.KindActual:
			sub, okSub := e.Values.Get(model.FieldSubAccount).Number()
			val, okVal := e.Values.Get(model.FieldValue).Number()
			if okSub && okVal {
				target := model.ID(sub.IntPart())
				actuals[target] = append(actuals[target], model.Defined(val))
			}
		case model.KindFringe:
			fringes[e.Parent.ID] = append(fringes[e.Parent.ID], e)
		}
	}

	done := map[model.ID]bool{}
	var derive func(id model.ID) model.Entity
	derive = func(id model.ID) model.Entity {
		e := b.entities[id]
		if done[id] {
			return e
		}
		done[id] = true
		switch e.Kind {
		case model.KindBudget, model.KindAccount, model.KindSubAccount:
		default:
			return e
		}
		e = e.Clone()
		children := b.childrenOf(childKind(e.Kind), e.Ref())
		e.Children = nil
		var est, act []decimal.NullDecimal
		for _, c := range children {
			c = derive(c.ID)
			e.Children = append(e.Children, c.ID)
			est = append(est, c.Estimated)
			act = append(act, c.Actual)
		}
		act = append(act, actuals[e.ID]...)
		if e.Kind == model.KindSubAccount && len(children) == 0 {
			e.Estimated = applyFringes(model.LeafEstimate(e.Values), fringes[b.budgetOf(e)])
		} else {
			e.Estimated = model.Sum(est...)
		}
		e.Actual = model.Sum(act...)
		e.Variance = model.Variance(e.Estimated, e.Actual)
		b.entities[id] = e
		return e
	}
	for _, id := range b.order {
		derive(id)
	}

	for gid, g := range b.groups {
		g.Children = nil
		var est, act []decimal.NullDecimal
		for _, id := range b.order {
			e := b.entities[id]
			if e.Group != gid {
				continue
			}
			g.Children = append(g.Children, id)
			t := model.Contribution(e)
			est = append(est, t.Estimated)
			act = append(act, t.Actual)
		}
		g.Estimated = model.Sum(est...)
		g.Actual = model.Sum(act...)
		g.Variance = model.Variance(g.Estimated, g.Actual)
		b.groups[gid] = g
	}
}

func childKind(k model.Kind) model.Kind {
	if k == model.KindBudget {
		return model.KindAccount
	}
	return model.KindSubAccount
}

func (b *Backend) budgetOf(e model.Entity) model.ID {
	for e.Kind != model.KindBudget {
		parent, ok := b.entities[e.Parent.ID]
		if !ok {
			return 0
		}
		e = parent
	}
	return e.ID
}

// applyFringes adds every fringe of the owning budget to a leaf estimate.
// A fringe adds rate * min(base, cutoff); without a cutoff it adds rate * base.
func applyFringes(base decimal.NullDecimal, fringes []model.Entity) decimal.NullDecimal {
	if !base.Valid || len(fringes) == 0 {
		return base
	}
	total := base.Decimal
	for _, f := range fringes {
		rate, ok := f.Values.Get(model.FieldRate).Number()
		if !ok {
			continue
		}
		applied := base.Decimal
		if cutoff, ok := f.Values.Get(model.FieldCutoff).Number(); ok && cutoff.LessThan(applied) {
			applied = cutoff
		}
		total = total.Add(applied.Mul(rate))
	}
	return model.Defined(total)
}

func matches(e model.Entity, search string) bool {
	search = strings.ToLower(search)
	for _, v := range e.Values {
		if s, ok := v.Text(); ok && strings.Contains(strings.ToLower(s), search) {
			return true
		}
	}
	return false
}
