package tagdecode

import "testing"

func TestDecodeBambuMIFARE(t *testing.T) {
	b1 := make([]byte, 16)
	copy(b1[8:], []byte("GFA00\x00\x00\x00"))

	b5 := make([]byte, 16)
	copy(b5[0:4], []byte{0xFF, 0xFF, 0xFF, 0xFF})
	b5[4] = 0xE8
	b5[5] = 0x03 // 1000g little-endian

	blocks := map[int][]byte{1: b1, 5: b5}

	rec, err := DecodeBambuMIFARE("0102030405", blocks)
	if err != nil {
		t.Fatalf("DecodeBambuMIFARE: %v", err)
	}
	if rec.Brand != "Bambu" {
		t.Fatalf("brand = %q", rec.Brand)
	}
	if rec.MaterialType != "PLA" || rec.MaterialSubtype != "Basic" {
		t.Fatalf("material = %q/%q", rec.MaterialType, rec.MaterialSubtype)
	}
	if rec.ColorCode != "FFFFFFFF" {
		t.Fatalf("color = %q", rec.ColorCode)
	}
	if rec.ColorName != "White" {
		t.Fatalf("color name = %q", rec.ColorName)
	}
	if rec.WeightAdvertised == nil || *rec.WeightAdvertised != 1000 {
		t.Fatalf("weight = %v", rec.WeightAdvertised)
	}
	if rec.Origin != "Bambu Lab" {
		t.Fatalf("origin = %q", rec.Origin)
	}
}

func TestDecodeBambuMIFAREMissingBlock(t *testing.T) {
	if _, err := DecodeBambuMIFARE("AA", map[int][]byte{}); err == nil {
		t.Fatalf("expected error for missing blocks")
	}
}
