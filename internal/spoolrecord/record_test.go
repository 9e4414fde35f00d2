package spoolrecord

import (
	"strings"
	"testing"
	"time"
)

func weightPtr(v int) *int { return &v }

func sampleRecord() *Record {
	return &Record{
		ID:              "A",
		TagID:           "0102030405060708",
		MaterialType:    "PLA",
		MaterialSubtype: "Matte",
		ColorName:       "Sunset Orange",
		ColorCode:       "FF8800FF",
		Note:            "opened 2026",
		Brand:           "Acme",
		WeightAdvertised: weightPtr(1000),
		WeightCore:       weightPtr(180),
		WeightNew:        weightPtr(1180),
		WeightCurrent:    weightPtr(900),
		SlicerCode:       "GFA00",
		SlicerName:       "Acme PLA",
		AddedAt:          time.Unix(1700000000, 0).UTC(),
		EncodedAt:        time.Unix(1700000500, 0).UTC(),
		Origin:           OriginSpoolEaseV1,
	}
}

func TestRecordCSVRoundTrip(t *testing.T) {
	r := sampleRecord()
	encoded, err := r.EncodeCSV()
	if err != nil {
		t.Fatalf("EncodeCSV: %v", err)
	}
	decoded, err := DecodeCSV(encoded)
	if err != nil {
		t.Fatalf("DecodeCSV: %v", err)
	}
	if !r.Equal(decoded) {
		a, _ := r.EncodeCSV()
		b, _ := decoded.EncodeCSV()
		t.Fatalf("round trip mismatch:\n got: %s\nwant: %s", b, a)
	}
}

func TestRecordCSVRoundTripEmptyFields(t *testing.T) {
	r := &Record{ID: "B", Origin: OriginBambuLab}
	encoded, err := r.EncodeCSV()
	if err != nil {
		t.Fatalf("EncodeCSV: %v", err)
	}
	decoded, err := DecodeCSV(encoded)
	if err != nil {
		t.Fatalf("DecodeCSV: %v", err)
	}
	if !r.Equal(decoded) {
		t.Fatalf("round trip mismatch for minimal record")
	}
}

func TestValidateInvariants(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Record)
	}{
		{"empty id", func(r *Record) { r.ID = "" }},
		{"odd tag id length", func(r *Record) { r.TagID = "01020" }},
		{"short tag id", func(r *Record) { r.TagID = "0102" }},
		{"bad color code", func(r *Record) { r.ColorCode = "zzzzzzzz" }},
		{"negative weight", func(r *Record) { n := -1; r.WeightCurrent = &n }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := sampleRecord()
			tc.mut(r)
			if err := r.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestDescriptorURL(t *testing.T) {
	r := sampleRecord()
	got := r.DescriptorURL()
	want := "https://info.filament3d.org/V2/?TG=0102030405060708&ID=A"
	if !strings.HasPrefix(got, want) {
		t.Fatalf("descriptor url = %q, want prefix %q", got, want)
	}
	if !strings.Contains(got, "M=PLA") || !strings.Contains(got, "CC=FF8800FF") {
		t.Fatalf("descriptor url missing expected fields: %q", got)
	}
}

func TestDescriptorURLOmitsEmptyFields(t *testing.T) {
	r := &Record{ID: "C", Origin: OriginSpoolEaseV1}
	got := r.DescriptorURL()
	if strings.Contains(got, "TG=") || strings.Contains(got, "M=") || strings.Contains(got, "N=") {
		t.Fatalf("descriptor url should omit empty fields: %q", got)
	}
	if !strings.Contains(got, "ID=C") {
		t.Fatalf("descriptor url missing ID: %q", got)
	}
}

func TestParseDescriptorURLRoundTrip(t *testing.T) {
	r := sampleRecord()
	u := r.DescriptorURL()
	parsed, err := ParseDescriptorURL(u)
	if err != nil {
		t.Fatalf("ParseDescriptorURL: %v", err)
	}
	if parsed.ID != r.ID || parsed.TagID != r.TagID || parsed.ColorCode != r.ColorCode {
		t.Fatalf("parsed record mismatch: %+v", parsed)
	}
}
