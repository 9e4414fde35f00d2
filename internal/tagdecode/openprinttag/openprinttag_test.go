package openprinttag

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func TestDecodeWithoutMeta(t *testing.T) {
	m := Main{
		MaterialType:        MaterialPETG,
		MaterialOrColorName: "Galaxy Black",
		Brand:               "Acme",
		NominalFullWeight:   1000,
		PrimaryColor:        []byte{0x10, 0x10, 0x10, 0xFF},
	}
	payload, err := cbor.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	d, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if d.Main.Brand != "Acme" {
		t.Fatalf("brand = %q", d.Main.Brand)
	}
	if d.Main.MaterialType.Name() != "PETG" {
		t.Fatalf("material name = %q", d.Main.MaterialType.Name())
	}
	if len(d.Missing) != 0 {
		t.Fatalf("unexpected missing: %v", d.Missing)
	}
}

func TestDecodeReportsMissingFields(t *testing.T) {
	m := Main{MaterialType: MaterialPLA}
	payload, err := cbor.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	d, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(d.Missing) == 0 {
		t.Fatalf("expected missing fields to be reported")
	}
}

func TestDecodeWithMetaHeader(t *testing.T) {
	main := Main{Brand: "Acme", MaterialOrColorName: "Red", NominalFullWeight: 500, PrimaryColor: []byte{1, 2, 3, 4}}
	mainBytes, err := cbor.Marshal(main)
	if err != nil {
		t.Fatalf("marshal main: %v", err)
	}

	// Meta's own encoded size must be known before its MainOffset can be
	// set, so encode once with a placeholder offset, measure, then
	// re-encode with the real offset (both encodings are the same
	// length since MainOffset only grows from 0).
	probe, err := cbor.Marshal(Meta{MainOffset: 0, MainSize: len(mainBytes)})
	if err != nil {
		t.Fatalf("marshal meta probe: %v", err)
	}
	meta := Meta{MainOffset: len(probe), MainSize: len(mainBytes)}
	metaBytes, err := cbor.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal meta: %v", err)
	}
	if len(metaBytes) != len(probe) {
		t.Fatalf("meta encoding size changed: %d vs %d", len(metaBytes), len(probe))
	}
	payload := append(metaBytes, mainBytes...)

	d, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if d.Main.Brand != "Acme" {
		t.Fatalf("brand = %q", d.Main.Brand)
	}
}

func TestDeriveIDStable(t *testing.T) {
	a := DeriveID("Acme", "Red")
	b := DeriveID("Acme", "Red")
	c := DeriveID("Acme", "Blue")
	if a != b {
		t.Fatalf("DeriveID not stable: %q vs %q", a, b)
	}
	if a == c {
		t.Fatalf("DeriveID should differ for different inputs")
	}
}
