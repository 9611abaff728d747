package stacking

import (
	"context"
	"errors"
	"testing"

	"github.com/halverson/tariffproof/resolve"
	"github.com/halverson/tariffproof/store"
)

// scopeResolver answers in_scope=true for the configured
// program+material pairs and Unknown for everything else.
type scopeResolver struct {
	inScope map[string]bool // program id -> true
}

func (r *scopeResolver) Resolve(ctx context.Context, req resolve.Request) resolve.Resolution {
	if r.inScope[req.Program] {
		return resolve.Resolution{
			Outcome: resolve.OutcomeKnown,
			Layer:   "l1",
			Assertion: &store.VerifiedAssertion{
				Program: req.Program, HTS: req.HTS, Material: req.Material,
				Kind: store.KindInScope, Scope: store.ScopeTrue,
			},
		}
	}
	return resolve.Resolution{Outcome: resolve.OutcomeUnknown, Reason: resolve.UnknownNoChunks}
}

type reviewRecorder struct {
	entries []store.ReviewEntry
}

func (r *reviewRecorder) InsertReview(ctx context.Context, e store.ReviewEntry) (int64, error) {
	r.entries = append(r.entries, e)
	return int64(len(r.entries)), nil
}

func newEngine(inScope ...string) (*Engine, *reviewRecorder) {
	m := make(map[string]bool)
	for _, p := range inScope {
		m[p] = true
	}
	rec := &reviewRecorder{}
	return New(&scopeResolver{inScope: m}, DefaultCatalog(), rec), rec
}

func sliceByKind(t *testing.T, res *Result, kind SliceKind) *Slice {
	t.Helper()
	for i := range res.Slices {
		if res.Slices[i].Kind == kind {
			return &res.Slices[i]
		}
	}
	t.Fatalf("no %s slice in %+v", kind, res.Slices)
	return nil
}

func stackContains(s *Slice, code string) bool {
	for _, c := range s.Stack {
		if c == code {
			return true
		}
	}
	return false
}

func dutyFor(s *Slice, program string) Cents {
	for _, d := range s.Duties {
		if d.Program == program {
			return d.DutyCents
		}
	}
	return 0
}

func checkSliceSum(t *testing.T, res *Result, product Cents) {
	t.Helper()
	var sum Cents
	for _, s := range res.Slices {
		sum += s.ValueCents
	}
	if sum != product {
		t.Errorf("slice values sum to %d, want product value %d", sum, product)
	}
}

// ---------------------------------------------------------------------------
// Input validation
// ---------------------------------------------------------------------------

func TestStackInvalidInput(t *testing.T) {
	e, _ := newEngine()
	ctx := context.Background()

	cases := []Input{
		{HTS: "854442", OriginCountry: "CN", ProductValueCents: 100},
		{HTS: "8544.42.9090", OriginCountry: "Atlantis", ProductValueCents: 100},
		{HTS: "8544.42.9090", OriginCountry: "CN", ProductValueCents: -1},
		{HTS: "8544.42.9090", OriginCountry: "CN", ProductValueCents: 100,
			MaterialValuesCents: map[Material]Cents{"plastic": 50}},
		{HTS: "8544.42.9090", OriginCountry: "CN", ProductValueCents: 100,
			MaterialValuesCents: map[Material]Cents{MaterialCopper: -5}},
	}
	for i, in := range cases {
		if _, err := e.Stack(ctx, in); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("case %d: err = %v, want ErrInvalidInput", i, err)
		}
	}
}

func TestStackInvalidAllocation(t *testing.T) {
	e, _ := newEngine("section_232_copper")
	ctx := context.Background()

	// Materials exceed product value.
	_, err := e.Stack(ctx, Input{
		HTS: "8544.42.9090", OriginCountry: "CN", ProductValueCents: 100,
		MaterialValuesCents: map[Material]Cents{MaterialCopper: 101},
	})
	if !errors.Is(err, ErrInvalidAllocation) {
		t.Errorf("overallocation: err = %v", err)
	}

	// Zero product value with non-empty materials.
	_, err = e.Stack(ctx, Input{
		HTS: "8544.42.9090", OriginCountry: "CN", ProductValueCents: 0,
		MaterialValuesCents: map[Material]Cents{MaterialCopper: 0},
	})
	if !errors.Is(err, ErrInvalidAllocation) {
		t.Errorf("zero product with materials: err = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Slice planning boundaries
// ---------------------------------------------------------------------------

func TestStackSingleMaterialFullValue(t *testing.T) {
	e, _ := newEngine("section_232_copper")
	res, err := e.Stack(context.Background(), Input{
		HTS: "8544.42.9090", OriginCountry: "CN",
		ProductValueCents: 5000, Quantity: 2,
		MaterialValuesCents: map[Material]Cents{MaterialCopper: 5000},
	})
	if err != nil {
		t.Fatalf("stack: %v", err)
	}
	if len(res.Slices) != 1 || res.Slices[0].Kind != "copper_slice" {
		t.Fatalf("slices = %+v", res.Slices)
	}
	if res.Slices[0].Quantity != 2 {
		t.Errorf("quantity = %d, want duplicated 2", res.Slices[0].Quantity)
	}
	checkSliceSum(t, res, 5000)
}

func TestStackMaterialNotInScopeStaysInResidual(t *testing.T) {
	// Copper value supplied but copper is not in scope: single full slice.
	e, _ := newEngine()
	res, err := e.Stack(context.Background(), Input{
		HTS: "8536.90.8585", OriginCountry: "CN",
		ProductValueCents: 10000,
		MaterialValuesCents: map[Material]Cents{MaterialCopper: 4000},
	})
	if err != nil {
		t.Fatalf("stack: %v", err)
	}
	if len(res.Slices) != 1 || res.Slices[0].Kind != SliceFull {
		t.Fatalf("slices = %+v", res.Slices)
	}
	checkSliceSum(t, res, 10000)
}

func TestStackQuantityDuplicatedAcrossSlices(t *testing.T) {
	e, _ := newEngine("section_232_copper", "section_232_steel")
	res, err := e.Stack(context.Background(), Input{
		HTS: "8544.42.9090", OriginCountry: "CN",
		ProductValueCents: 10000, Quantity: 7,
		MaterialValuesCents: map[Material]Cents{MaterialCopper: 3000, MaterialSteel: 2000},
	})
	if err != nil {
		t.Fatalf("stack: %v", err)
	}
	if len(res.Slices) != 3 {
		t.Fatalf("slices = %+v", res.Slices)
	}
	for _, s := range res.Slices {
		if s.Quantity != 7 {
			t.Errorf("%s quantity = %d, want 7", s.Kind, s.Quantity)
		}
	}
	checkSliceSum(t, res, 10000)
}

// ---------------------------------------------------------------------------
// Filing lines view
// ---------------------------------------------------------------------------

func TestStackFilingLinesFlattenStacks(t *testing.T) {
	e, _ := newEngine()
	res, err := e.Stack(context.Background(), Input{
		HTS: "8536.90.8585", OriginCountry: "CN", ProductValueCents: 17400, Quantity: 3,
	})
	if err != nil {
		t.Fatalf("stack: %v", err)
	}
	want := 0
	for _, s := range res.Slices {
		want += len(s.Stack)
	}
	if len(res.FilingLines) != want {
		t.Errorf("filing lines = %d, want %d", len(res.FilingLines), want)
	}
	// Base HTS code closes every slice's stack.
	last := res.Slices[0].Stack[len(res.Slices[0].Stack)-1]
	if last != "8536.90.8585" {
		t.Errorf("stack tail = %q, want base HTS", last)
	}
}

// ---------------------------------------------------------------------------
// Non-applicable origin
// ---------------------------------------------------------------------------

func TestStackNonChinaOriginSkipsChinaPrograms(t *testing.T) {
	e, _ := newEngine("section_232_steel")
	res, err := e.Stack(context.Background(), Input{
		HTS: "9403.99.9045", OriginCountry: "MX",
		ProductValueCents: 10000,
		MaterialValuesCents: map[Material]Cents{MaterialSteel: 6000},
	})
	if err != nil {
		t.Fatalf("stack: %v", err)
	}
	steel := sliceByKind(t, res, "steel_slice")
	for _, code := range []string{"9903.88.01", "9903.01.24", "9903.01.25"} {
		if stackContains(steel, code) {
			t.Errorf("China-only code %s applied to MX origin", code)
		}
	}
	if !stackContains(steel, "9903.81.91") {
		t.Errorf("steel claim missing: %v", steel.Stack)
	}
	// Only the 232 steel duty applies.
	if res.TotalDutyCents != 3000 {
		t.Errorf("total duty = %d, want 3000", res.TotalDutyCents)
	}
}
