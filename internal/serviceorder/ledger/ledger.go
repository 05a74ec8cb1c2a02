// Package ledger maintains the ordered line items of a service order. All
// operations are pure: they never mutate the slice they receive and return a
// new sequence instead.
package ledger

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/aledz7/df-graficas-sub014/internal/serviceorder"
)

const dimensionTolerance = 1e-9

// Anomaly describes a recovered inconsistency the caller must report.
type Anomaly struct {
	Token  string
	RowID  *int64
	Reason string
}

func (a Anomaly) String() string {
	if a.RowID != nil {
		return fmt.Sprintf("%s (token=%s row_id=%d)", a.Reason, a.Token, *a.RowID)
	}
	return fmt.Sprintf("%s (token=%s)", a.Reason, a.Token)
}

// UpdateResult is the outcome of Update.
type UpdateResult struct {
	Items   []serviceorder.LineItem
	Anomaly *Anomaly
}

// Ledger applies item sequence transformations.
type Ledger struct {
	newToken func() string
	now      func() time.Time
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithTokenSource overrides identity token generation.
func WithTokenSource(fn func() string) Option {
	return func(l *Ledger) {
		if fn != nil {
			l.newToken = fn
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(fn func() time.Time) Option {
	return func(l *Ledger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// New builds a Ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		newToken: uuid.NewString,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Add appends a new item. Items equivalent to an existing one are rejected
// with ErrDuplicateItem; the caller should edit the existing quantity instead.
func (l *Ledger) Add(items []serviceorder.LineItem, item serviceorder.LineItem) ([]serviceorder.LineItem, error) {
	if err := validateShape(item); err != nil {
		return nil, err
	}
	for _, existing := range items {
		if isDuplicate(existing, item) {
			return nil, fmt.Errorf("%w: product %d already in order as item %s", serviceorder.ErrDuplicateItem, item.ProductID, existing.Token)
		}
	}
	incoming := item.Clone()
	if incoming.Token == "" || l.tokenTaken(items, incoming.Token) {
		incoming.Token = l.uniqueToken(items)
	}
	incoming.StoredSubtotal = nil
	incoming.UpdatedAt = l.now()

	out := serviceorder.CloneItems(items)
	return append(out, incoming), nil
}

// Update replaces the item matched by token, falling back to the backend row
// id. When nothing matches the item is appended and an Anomaly is returned so
// the caller can report it; data is never dropped.
func (l *Ledger) Update(items []serviceorder.LineItem, item serviceorder.LineItem) (UpdateResult, error) {
	if err := validateShape(item); err != nil {
		return UpdateResult{}, err
	}
	out := serviceorder.CloneItems(items)
	incoming := item.Clone()
	incoming.StoredSubtotal = nil
	incoming.UpdatedAt = l.now()

	idx := indexOf(out, incoming.Token, incoming.RowID)
	if idx >= 0 {
		// the stored token wins so it survives a row id match
		if out[idx].Token != "" {
			incoming.Token = out[idx].Token
		}
		if incoming.RowID == nil {
			incoming.RowID = out[idx].RowID
		}
		out[idx] = incoming
		return UpdateResult{Items: out}, nil
	}

	anomaly := &Anomaly{Token: incoming.Token, RowID: incoming.RowID, Reason: "updated item not found in ledger, appended"}
	if incoming.Token == "" || l.tokenTaken(out, incoming.Token) {
		incoming.Token = l.uniqueToken(out)
	}
	return UpdateResult{Items: append(out, incoming), Anomaly: anomaly}, nil
}

// Remove drops the item with the given token.
func (l *Ledger) Remove(items []serviceorder.LineItem, token string) ([]serviceorder.LineItem, error) {
	idx := indexOf(items, token, nil)
	if idx < 0 {
		return nil, fmt.Errorf("%w: item %s", serviceorder.ErrNotFound, token)
	}
	out := make([]serviceorder.LineItem, 0, len(items)-1)
	for i, item := range items {
		if i == idx {
			continue
		}
		out = append(out, item.Clone())
	}
	return out, nil
}

// Duplicate copies an item right after the source with a fresh identity. The
// copy has no backend row and no stored subtotal. Duplicates are explicit
// user intent, so the equivalence check of Add does not apply.
func (l *Ledger) Duplicate(items []serviceorder.LineItem, token string) ([]serviceorder.LineItem, serviceorder.LineItem, error) {
	idx := indexOf(items, token, nil)
	if idx < 0 {
		return nil, serviceorder.LineItem{}, fmt.Errorf("%w: item %s", serviceorder.ErrNotFound, token)
	}
	dup := items[idx].Clone()
	dup.Token = l.uniqueToken(items)
	dup.RowID = nil
	dup.StoredSubtotal = nil
	dup.UpdatedAt = l.now()

	out := make([]serviceorder.LineItem, 0, len(items)+1)
	for i, item := range items {
		out = append(out, item.Clone())
		if i == idx {
			out = append(out, dup)
		}
	}
	return out, dup, nil
}

// CloneDimensions copies width and height from one area item to another.
func (l *Ledger) CloneDimensions(items []serviceorder.LineItem, fromToken, toToken string) ([]serviceorder.LineItem, error) {
	from := indexOf(items, fromToken, nil)
	if from < 0 {
		return nil, serviceorder.Invalid("from", "source item not found")
	}
	to := indexOf(items, toToken, nil)
	if to < 0 {
		return nil, serviceorder.Invalid("to", "target item not found")
	}
	src, dst := items[from], items[to]
	if src.Area == nil || dst.Area == nil {
		return nil, serviceorder.Invalid("kind", "dimensions can only be cloned between area items")
	}
	if src.Area.Width <= 0 || src.Area.Height <= 0 {
		return nil, serviceorder.Invalid("from", "source item must have positive width and height")
	}

	out := serviceorder.CloneItems(items)
	out[to].Area.Width = src.Area.Width
	out[to].Area.Height = src.Area.Height
	out[to].StoredSubtotal = nil
	out[to].UpdatedAt = l.now()
	return out, nil
}

// Dedupe collapses items sharing an identity token, which can appear after a
// merge of local and remote copies. Per token it keeps the item with a backend
// row over one without, then the most recently updated, then the highest row
// id. The first-seen position of each token is preserved.
func Dedupe(items []serviceorder.LineItem) []serviceorder.LineItem {
	best := make(map[string]int, len(items))
	for i, item := range items {
		if item.Token == "" {
			continue
		}
		cur, ok := best[item.Token]
		if !ok || prefer(item, items[cur]) {
			best[item.Token] = i
		}
	}

	out := make([]serviceorder.LineItem, 0, len(best))
	emitted := make(map[string]bool, len(best))
	for _, item := range items {
		if item.Token == "" {
			out = append(out, item.Clone())
			continue
		}
		if emitted[item.Token] {
			continue
		}
		emitted[item.Token] = true
		out = append(out, items[best[item.Token]].Clone())
	}
	return out
}

func prefer(candidate, current serviceorder.LineItem) bool {
	if (candidate.RowID != nil) != (current.RowID != nil) {
		return candidate.RowID != nil
	}
	if !candidate.UpdatedAt.Equal(current.UpdatedAt) {
		return candidate.UpdatedAt.After(current.UpdatedAt)
	}
	return rowID(candidate) > rowID(current)
}

func rowID(item serviceorder.LineItem) int64 {
	if item.RowID == nil {
		return 0
	}
	return *item.RowID
}

func isDuplicate(existing, incoming serviceorder.LineItem) bool {
	if existing.HasConsumption() || incoming.HasConsumption() {
		return false
	}
	if existing.Kind != incoming.Kind || existing.ProductID != incoming.ProductID {
		return false
	}
	if !sameVariant(existing.VariantID, incoming.VariantID) {
		return false
	}
	if incoming.Kind == serviceorder.ItemByArea {
		ew, eh := existing.Dimensions()
		iw, ih := incoming.Dimensions()
		return math.Abs(ew-iw) < dimensionTolerance && math.Abs(eh-ih) < dimensionTolerance
	}
	return true
}

func sameVariant(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func indexOf(items []serviceorder.LineItem, token string, row *int64) int {
	if token != "" {
		for i, item := range items {
			if item.Token == token {
				return i
			}
		}
	}
	if row != nil {
		for i, item := range items {
			if item.RowID != nil && *item.RowID == *row {
				return i
			}
		}
	}
	return -1
}

func (l *Ledger) tokenTaken(items []serviceorder.LineItem, token string) bool {
	for _, item := range items {
		if item.Token == token {
			return true
		}
	}
	return false
}

func (l *Ledger) uniqueToken(items []serviceorder.LineItem) string {
	for {
		token := l.newToken()
		if token != "" && !l.tokenTaken(items, token) {
			return token
		}
	}
}

func validateShape(item serviceorder.LineItem) error {
	switch item.Kind {
	case serviceorder.ItemByUnit:
		if item.Unit == nil || item.Area != nil {
			return serviceorder.Invalid("kind", "unit items require unit pricing only")
		}
		if item.Unit.Quantity <= 0 {
			return serviceorder.Invalid("quantity", "must be greater than zero")
		}
	case serviceorder.ItemByArea:
		if item.Area == nil || item.Unit != nil {
			return serviceorder.Invalid("kind", "area items require area pricing only")
		}
		if item.Area.Quantity <= 0 {
			return serviceorder.Invalid("quantity", "must be greater than zero")
		}
		if item.Area.Width < 0 || item.Area.Height < 0 {
			return serviceorder.Invalid("dimensions", "width and height cannot be negative")
		}
	default:
		return serviceorder.Invalid("kind", "unknown item kind")
	}
	return nil
}
