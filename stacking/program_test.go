package stacking

import "testing"

func TestClaimCodeHTSSpecific(t *testing.T) {
	catalog := DefaultCatalog()
	var steel, aluminum *Program
	for _, p := range catalog.Programs {
		switch p.ID {
		case "section_232_steel":
			steel = p
		case "section_232_aluminum":
			aluminum = p
		}
	}

	// Primary steel in chapter 72, derivative in 73, derivative elsewhere.
	if got := steel.ClaimCode("7208390030"); got != "9903.81.87" {
		t.Errorf("ch72 steel claim = %q", got)
	}
	if got := steel.ClaimCode("7318158590"); got != "9903.81.89" {
		t.Errorf("ch73 steel claim = %q", got)
	}
	if got := steel.ClaimCode("9403999045"); got != "9903.81.91" {
		t.Errorf("furniture steel claim = %q", got)
	}

	if got := aluminum.ClaimCode("7604210010"); got != "9903.85.02" {
		t.Errorf("ch76 aluminum claim = %q", got)
	}
	if got := aluminum.ClaimCode("8544429090"); got != "9903.85.08" {
		t.Errorf("derivative aluminum claim = %q", got)
	}
}

func TestApplyCodeInclusionTable(t *testing.T) {
	catalog := DefaultCatalog()
	var s301 *Program
	for _, p := range catalog.Programs {
		if p.ID == "section_301" {
			s301 = p
		}
	}
	if got := s301.ApplyCode("8536908585"); got != "9903.88.01" {
		t.Errorf("default 301 code = %q", got)
	}
	if got := s301.ApplyCode("8473305100"); got != "9903.88.69" {
		t.Errorf("inclusion-table 301 code = %q", got)
	}
}

func TestAnnexIIMatchOrder(t *testing.T) {
	c := &Catalog{AnnexII: map[string]bool{
		"8473305100": true, // 10-digit
		"84713001":   true, // 8-digit
		"854232":     true, // 6-digit
		"2931":       true, // 4-digit
	}}

	cases := map[string]bool{
		"8473305100": true,  // 10-digit hit
		"8473305199": false, // differs at 10, no shorter prefix
		"8471300100": true,  // 8-digit hit
		"8542321071": true,  // 6-digit hit
		"2931100000": true,  // 4-digit hit
		"8536908585": false,
	}
	for htsDigits, want := range cases {
		if got := c.AnnexIIMatch(htsDigits); got != want {
			t.Errorf("AnnexIIMatch(%s) = %v, want %v", htsDigits, got, want)
		}
	}
}

func TestAppliesTo(t *testing.T) {
	p := &Program{Countries: []string{"CN"}}
	if !p.AppliesTo("CN") || p.AppliesTo("MX") {
		t.Error("country filter broken")
	}
	global := &Program{}
	if !global.AppliesTo("MX") {
		t.Error("empty country list must apply to all origins")
	}
}
