package stacking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/halverson/tariffproof/hts"
	"github.com/halverson/tariffproof/resolve"
	"github.com/halverson/tariffproof/store"
)

var (
	// ErrInvalidInput covers malformed HTS codes, unknown countries, and
	// negative money values.
	ErrInvalidInput = errors.New("stacking: invalid input")

	// ErrInvalidAllocation is returned when material values exceed the
	// product value, or a zero product value carries materials.
	ErrInvalidAllocation = errors.New("stacking: invalid material allocation")
)

// SliceKind identifies an entry slice.
type SliceKind string

const (
	SliceFull     SliceKind = "full"
	SliceResidual SliceKind = "residual"
)

// metalSliceKind maps a material to its slice kind (copper_slice, ...).
func metalSliceKind(m Material) SliceKind {
	return SliceKind(string(m) + "_slice")
}

// Resolver is the scope oracle: the resolution orchestrator, or a fake
// in tests.
type Resolver interface {
	Resolve(ctx context.Context, req resolve.Request) resolve.Resolution
}

// ReviewSink receives variant-priority conflicts for operator review.
// *store.Store satisfies it; nil disables recording.
type ReviewSink interface {
	InsertReview(ctx context.Context, e store.ReviewEntry) (int64, error)
}

// Input describes one entry line to stack.
type Input struct {
	HTS                 string             `json:"hts_code"`
	OriginCountry       string             `json:"origin_country"`
	ProductValueCents   Cents              `json:"product_value_cents"`
	MaterialValuesCents map[Material]Cents `json:"material_values_cents"`
	Quantity            int                `json:"quantity"`
	AsOf                string             `json:"as_of,omitempty"` // YYYY-MM-DD
}

// ProgramDuty is the duty one program contributes on one slice.
type ProgramDuty struct {
	Program   string `json:"program"`
	Code      string `json:"code"`
	DutyCents Cents  `json:"duty_cents"`
}

// Slice is one monetary partition of the entry with its chapter-99 stack
// in ACE filing order.
type Slice struct {
	Kind       SliceKind     `json:"kind"`
	Material   Material      `json:"material,omitempty"`
	ValueCents Cents         `json:"value_cents"`
	Quantity   int           `json:"quantity"`
	Stack      []string      `json:"stack"`
	Duties     []ProgramDuty `json:"per_program_duties"`
	DutyCents  Cents         `json:"duty_cents"`
}

// FilingLine is one row of the flattened ACE view.
type FilingLine struct {
	Slice      SliceKind `json:"slice"`
	Code       string    `json:"code"`
	ValueCents Cents     `json:"value_cents"`
}

// Result is the full stacking outcome.
type Result struct {
	Slices         []Slice      `json:"slices"`
	TotalDutyCents Cents        `json:"total_duty_cents"`
	EffectiveRate  string       `json:"effective_rate"` // four-decimal rational
	FilingLines    []FilingLine `json:"filing_lines"`
}

// Engine is the stacking calculator. It consumes verified facts through
// the resolver and the program catalogue; it contains the only business
// arithmetic in the system.
type Engine struct {
	resolver Resolver
	catalog  *Catalog
	reviews  ReviewSink
}

// New creates a stacking engine. reviews may be nil.
func New(resolver Resolver, catalog *Catalog, reviews ReviewSink) *Engine {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Engine{resolver: resolver, catalog: catalog, reviews: reviews}
}

// Stack produces the entry slices, per-slice chapter-99 stacks, and duty
// totals for one line item. Invalid input fails before any resolution
// work; no partial output is ever returned.
func (e *Engine) Stack(ctx context.Context, in Input) (*Result, error) {
	h, err := hts.Normalize(in.HTS)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	origin, err := hts.NormalizeCountry(in.OriginCountry)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if in.ProductValueCents < 0 {
		return nil, fmt.Errorf("%w: negative product value", ErrInvalidInput)
	}
	var suppliedSum Cents
	for m, v := range in.MaterialValuesCents {
		switch m {
		case MaterialCopper, MaterialSteel, MaterialAluminum:
		default:
			return nil, fmt.Errorf("%w: unknown material %q", ErrInvalidInput, m)
		}
		if v < 0 {
			return nil, fmt.Errorf("%w: negative value for %s", ErrInvalidInput, m)
		}
		suppliedSum += v
	}
	if suppliedSum > in.ProductValueCents {
		return nil, fmt.Errorf("%w: material values %d exceed product value %d",
			ErrInvalidAllocation, suppliedSum, in.ProductValueCents)
	}
	if in.ProductValueCents == 0 && len(in.MaterialValuesCents) > 0 {
		return nil, fmt.Errorf("%w: zero product value with materials", ErrInvalidAllocation)
	}

	programs := e.applicablePrograms(origin)
	inScope, err := e.resolveScope(ctx, programs, h, in)
	if err != nil {
		return nil, err
	}

	slices := e.planSlices(in, programs, inScope, h)
	e.buildStacks(ctx, slices, programs, inScope, h, in)

	result := &Result{Slices: slices}
	var total Cents
	for i := range slices {
		var sliceTotal Cents
		for _, d := range slices[i].Duties {
			sliceTotal += d.DutyCents
		}
		slices[i].DutyCents = sliceTotal
		total += sliceTotal
		for _, code := range slices[i].Stack {
			result.FilingLines = append(result.FilingLines, FilingLine{
				Slice: slices[i].Kind, Code: code, ValueCents: slices[i].ValueCents,
			})
		}
	}
	result.TotalDutyCents = total
	result.EffectiveRate = ratio(total, in.ProductValueCents)

	slog.Debug("stacking: result computed",
		"hts", h.Dotted(), "origin", origin,
		"slices", len(slices), "total_duty_cents", total,
		"effective_rate", result.EffectiveRate)
	return result, nil
}

// applicablePrograms filters the catalogue to the origin country,
// preserving filing-sequence order.
func (e *Engine) applicablePrograms(origin string) []*Program {
	var out []*Program
	for _, p := range e.catalog.Programs {
		if p.AppliesTo(origin) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FilingSequence < out[j].FilingSequence
	})
	return out
}

// resolveScope queries the resolver for each applicable metal program in
// parallel and joins. A material is in scope when the resolver returns a
// Known in_scope=true assertion; Unknown means not in scope for filing —
// the engine never guesses.
func (e *Engine) resolveScope(ctx context.Context, programs []*Program, h hts.HTS, in Input) (map[Material]bool, error) {
	inScope := make(map[Material]bool)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range programs {
		if p.Kind != KindMetal {
			continue
		}
		g.Go(func() error {
			res := e.resolver.Resolve(gctx, resolve.Request{
				Program:  p.ID,
				HTS:      h.Digits,
				Material: string(p.Material),
				AsOf:     in.AsOf,
			})
			if res.Outcome == resolve.OutcomeError {
				return fmt.Errorf("resolving %s scope: %s: %s", p.ID, res.Err.Kind, res.Err.Detail)
			}
			if res.Known() && res.Assertion.Kind == store.KindInScope && res.Assertion.Scope == store.ScopeTrue {
				mu.Lock()
				inScope[p.Material] = true
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return inScope, nil
}

// planSlices partitions the product value: one metal slice per in-scope
// material with positive value, a residual slice for the remainder, or a
// single full slice when no metal is in scope. Quantities are duplicated
// across slices, never divided; slice values sum to the product value
// exactly.
func (e *Engine) planSlices(in Input, programs []*Program, inScope map[Material]bool, h hts.HTS) []Slice {
	var slices []Slice
	var claimed Cents
	for _, p := range programs {
		if p.Kind != KindMetal || !inScope[p.Material] {
			continue
		}
		mv := in.MaterialValuesCents[p.Material]
		if mv <= 0 {
			continue
		}
		slices = append(slices, Slice{
			Kind:       metalSliceKind(p.Material),
			Material:   p.Material,
			ValueCents: mv,
			Quantity:   in.Quantity,
		})
		claimed += mv
	}

	if len(slices) == 0 {
		return []Slice{{Kind: SliceFull, ValueCents: in.ProductValueCents, Quantity: in.Quantity}}
	}
	if residual := in.ProductValueCents - claimed; residual > 0 {
		slices = append(slices, Slice{Kind: SliceResidual, ValueCents: residual, Quantity: in.Quantity})
	}
	return slices
}

// buildStacks walks the programs in filing sequence for every slice,
// appending claim/disclaim/apply/variant codes and finally the base HTS
// code, and attributes duties.
func (e *Engine) buildStacks(ctx context.Context, slices []Slice, programs []*Program, inScope map[Material]bool, h hts.HTS, in Input) {
	// Once-per-entry charges land on the residual slice, or the first
	// slice when no residual exists.
	chargeIdx := 0
	for i, s := range slices {
		if s.Kind == SliceResidual {
			chargeIdx = i
		}
	}

	// The reciprocal base: product value minus each claimed material,
	// deducted exactly once.
	var claimed Cents
	for _, s := range slices {
		if s.Material != "" {
			claimed += s.ValueCents
		}
	}
	remaining := in.ProductValueCents - claimed

	annex := e.catalog.AnnexIIMatch(h.Digits)
	conflictReported := false

	for i := range slices {
		s := &slices[i]
		for _, p := range programs {
			switch p.Kind {
			case KindSurcharge:
				s.Stack = append(s.Stack, p.ApplyCode(h.Digits))
				if i == chargeIdx {
					s.Duties = append(s.Duties, ProgramDuty{
						Program: p.ID, Code: p.ApplyCode(h.Digits),
						DutyCents: p.RateBPS.Apply(in.ProductValueCents),
					})
				}

			case KindReciprocal:
				variant := e.reciprocalVariant(s, annex)
				if variant == VariantAnnexIIExempt && s.Material != "" && !conflictReported {
					// Both the Annex-II and metal exemptions apply; the
					// priority order is a convention, not a cited rule.
					conflictReported = true
					e.reportVariantConflict(ctx, h, s.Material)
				}
				code := p.VariantCodes[variant]
				s.Stack = append(s.Stack, code)
				if variant == VariantPaid && i == chargeIdx {
					s.Duties = append(s.Duties, ProgramDuty{
						Program: p.ID, Code: code,
						DutyCents: p.RateBPS.Apply(remaining),
					})
				}

			case KindMetal:
				if !inScope[p.Material] {
					continue
				}
				if s.Material == p.Material {
					code := p.ClaimCode(h.Digits)
					s.Stack = append(s.Stack, code)
					s.Duties = append(s.Duties, ProgramDuty{
						Program: p.ID, Code: code,
						DutyCents: p.RateBPS.Apply(s.ValueCents),
					})
				} else if p.Disclaim == DisclaimRequired {
					s.Stack = append(s.Stack, p.DisclaimCode)
				}
			}
		}
		s.Stack = append(s.Stack, h.Dotted())
	}
}

// reciprocalVariant picks the IEEPA Reciprocal variant for a slice.
// Exemption priority (annex_ii > us_content > metal) is a convention;
// conflicts are surfaced to review rather than silently decided.
func (e *Engine) reciprocalVariant(s *Slice, annex bool) Variant {
	if annex {
		return VariantAnnexIIExempt
	}
	if s.Material != "" {
		return VariantMetalExempt
	}
	return VariantPaid
}

func (e *Engine) reportVariantConflict(ctx context.Context, h hts.HTS, m Material) {
	if e.reviews == nil {
		return
	}
	_, err := e.reviews.InsertReview(ctx, store.ReviewEntry{
		Query: fmt.Sprintf("reciprocal variant priority for HTS %s %s slice: annex_ii_exempt chosen over metal_exempt", h.Dotted(), m),
		Reasons: []store.BlockReason{store.ReasonVariantConflict},
	})
	if err != nil {
		slog.Warn("stacking: variant conflict review insert failed", "error", err)
	}
}
