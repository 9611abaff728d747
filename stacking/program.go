package stacking

import "strings"

// Material identifies a Section-232 metal.
type Material string

const (
	MaterialCopper   Material = "copper"
	MaterialSteel    Material = "steel"
	MaterialAluminum Material = "aluminum"
)

// DisclaimBehavior is a program's filing policy for slices where its
// material is in scope but not claimed.
type DisclaimBehavior string

const (
	DisclaimRequired DisclaimBehavior = "required"
	DisclaimOmit     DisclaimBehavior = "omit"
	DisclaimNone     DisclaimBehavior = "none"
)

// ProgramKind distinguishes how a program contributes to a stack.
type ProgramKind string

const (
	// KindMetal is a Section-232 material program: claims its own metal
	// slice, disclaim policy elsewhere.
	KindMetal ProgramKind = "metal"
	// KindSurcharge applies its code on every slice and charges once per
	// entry (Section 301, IEEPA Fentanyl).
	KindSurcharge ProgramKind = "surcharge"
	// KindReciprocal is IEEPA Reciprocal: paid on the residual base,
	// exemption variants elsewhere.
	KindReciprocal ProgramKind = "reciprocal"
)

// Variant names the IEEPA Reciprocal code variants.
type Variant string

const (
	VariantPaid            Variant = "paid"
	VariantAnnexIIExempt   Variant = "annex_ii_exempt"
	VariantUSContentExempt Variant = "us_content_exempt"
	VariantMetalExempt     Variant = "metal_exempt"
)

// CodeRule maps digits-only HTS prefixes to a chapter-99 code. Rules are
// checked in order; the first prefix hit wins.
type CodeRule struct {
	Prefixes []string
	Code     string
}

// Program is one configured tariff program. This catalogue is config,
// not evidence: the only place where verified facts map to filing codes.
type Program struct {
	ID             string
	Kind           ProgramKind
	FilingSequence int
	Material       Material         // metal programs only
	Disclaim       DisclaimBehavior // metal programs only
	Countries      []string         // ISO-2 origins; empty = all origins
	RateBPS        RateBPS

	// ClaimRules pick the claim code for a metal slice by HTS (codes can
	// be HTS-specific, e.g. primary vs derivative steel). DefaultClaim
	// applies when no rule matches.
	ClaimRules   []CodeRule
	DefaultClaim string
	DisclaimCode string

	// ApplyRules pick the per-HTS surcharge code (Section 301 inclusion
	// lists); DefaultApply covers everything else.
	ApplyRules   []CodeRule
	DefaultApply string

	// VariantCodes are the reciprocal chapter-99 codes by variant.
	VariantCodes map[Variant]string
}

// AppliesTo reports whether the program covers the origin country.
func (p *Program) AppliesTo(origin string) bool {
	if len(p.Countries) == 0 {
		return true
	}
	for _, c := range p.Countries {
		if c == origin {
			return true
		}
	}
	return false
}

// ClaimCode picks the claim code for an HTS (digits-only).
func (p *Program) ClaimCode(htsDigits string) string {
	if code := matchRule(p.ClaimRules, htsDigits); code != "" {
		return code
	}
	return p.DefaultClaim
}

// ApplyCode picks the surcharge code for an HTS (digits-only).
func (p *Program) ApplyCode(htsDigits string) string {
	if code := matchRule(p.ApplyRules, htsDigits); code != "" {
		return code
	}
	return p.DefaultApply
}

func matchRule(rules []CodeRule, htsDigits string) string {
	for _, r := range rules {
		for _, prefix := range r.Prefixes {
			if strings.HasPrefix(htsDigits, prefix) {
				return r.Code
			}
		}
	}
	return ""
}

// Catalog is the full program configuration consumed by the engine.
type Catalog struct {
	// Programs in filing-sequence order.
	Programs []*Program
	// AnnexII holds digits-only HTS prefixes excluded from the
	// reciprocal program. Matching runs at 10, 8, 6, then 4 digits; the
	// first hit wins.
	AnnexII map[string]bool
}

// MetalPrograms returns the Section-232 programs in filing order.
func (c *Catalog) MetalPrograms() []*Program {
	var out []*Program
	for _, p := range c.Programs {
		if p.Kind == KindMetal {
			out = append(out, p)
		}
	}
	return out
}

// AnnexIIMatch checks the Annex-II exclusion list by prefix at 10, 8, 6,
// and 4 digits in that order.
func (c *Catalog) AnnexIIMatch(htsDigits string) bool {
	for _, n := range []int{10, 8, 6, 4} {
		if len(htsDigits) < n {
			continue
		}
		if c.AnnexII[htsDigits[:n]] {
			return true
		}
	}
	return false
}

// DefaultCatalog returns the production program configuration: the three
// Section-232 metal programs, Section 301, IEEPA Fentanyl, and IEEPA
// Reciprocal for China-origin goods.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Programs: []*Program{
			{
				ID:             "section_301",
				Kind:           KindSurcharge,
				FilingSequence: 10,
				Countries:      []string{"CN"},
				RateBPS:        2500,
				ApplyRules: []CodeRule{
					{Prefixes: []string{"84733051"}, Code: "9903.88.69"},
				},
				DefaultApply: "9903.88.01",
			},
			{
				ID:             "ieepa_fentanyl",
				Kind:           KindSurcharge,
				FilingSequence: 20,
				Countries:      []string{"CN"},
				RateBPS:        1000,
				DefaultApply:   "9903.01.24",
			},
			{
				ID:             "ieepa_reciprocal",
				Kind:           KindReciprocal,
				FilingSequence: 30,
				Countries:      []string{"CN"},
				RateBPS:        1000,
				VariantCodes: map[Variant]string{
					VariantPaid:            "9903.01.25",
					VariantAnnexIIExempt:   "9903.01.32",
					VariantMetalExempt:     "9903.01.33",
					VariantUSContentExempt: "9903.01.34",
				},
			},
			{
				ID:             "section_232_copper",
				Kind:           KindMetal,
				FilingSequence: 40,
				Material:       MaterialCopper,
				Disclaim:       DisclaimRequired,
				RateBPS:        5000,
				DefaultClaim:   "9903.78.01",
				DisclaimCode:   "9903.78.02",
			},
			{
				ID:             "section_232_steel",
				Kind:           KindMetal,
				FilingSequence: 50,
				Material:       MaterialSteel,
				Disclaim:       DisclaimOmit,
				RateBPS:        5000,
				ClaimRules: []CodeRule{
					{Prefixes: []string{"72"}, Code: "9903.81.87"},
					{Prefixes: []string{"73"}, Code: "9903.81.89"},
				},
				DefaultClaim: "9903.81.91",
			},
			{
				ID:             "section_232_aluminum",
				Kind:           KindMetal,
				FilingSequence: 60,
				Material:       MaterialAluminum,
				Disclaim:       DisclaimOmit,
				RateBPS:        2500,
				ClaimRules: []CodeRule{
					{Prefixes: []string{"76"}, Code: "9903.85.02"},
				},
				DefaultClaim: "9903.85.08",
			},
		},
		AnnexII: map[string]bool{
			"84733051": true, // ADP machine parts
			"8471":     true, // automatic data processing machines
			"8542":     true, // electronic integrated circuits
			"293110":   true,
		},
	}
}
