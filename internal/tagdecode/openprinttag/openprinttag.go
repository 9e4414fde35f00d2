// Package openprinttag decodes the OpenPrintTag NFC data format
// (spec.md §4.6): an NDEF record of type "application/vnd.openprinttag"
// carrying CBOR-encoded material metadata, with an optional Meta header
// (map keys 0-3) pointing at the MainRegion's offset/size. Adapted from
// the teacher pack's hanzov69-nfc-agent/internal/openprinttag, which
// models the same wire format for a full NFC read/write agent; this
// package only needs the read-side decode into this system's
// SpoolRecord/SpoolRecordExt shape.
package openprinttag

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// MIMEType is the NDEF MIME-media record type carrying this payload.
const MIMEType = "application/vnd.openprinttag"

// MaterialType enumerates the OpenPrintTag material catalogue. The
// numeric values are authoritative and stable (spec.md §4.6); new
// materials are appended, never renumbered.
type MaterialType uint8

const (
	MaterialPLA MaterialType = iota
	MaterialABS
	MaterialPETG
	MaterialASA
	MaterialPC
	MaterialNylon
	MaterialTPU
	MaterialPVA
	MaterialHIPS
	MaterialPP
	MaterialPEI
	MaterialPEEK
	MaterialPA
	MaterialPACF
	MaterialPAGF
	MaterialPLACF
	MaterialPLAGF
	MaterialPETGCF
	MaterialPETGGF
	MaterialPCABS
	MaterialPCFR
	MaterialASACF
	MaterialABSCF
	MaterialABSGF
	MaterialTPE
	MaterialPOM
	MaterialPVB
	MaterialPEKK
	MaterialPPSCF
	MaterialPPA
	MaterialPPACF
	MaterialPPAGF
	MaterialWood
	MaterialMetal
	MaterialCarbonFiber
	MaterialGlow
	MaterialSilk
	MaterialMatte
	MaterialSupport
	MaterialResinStandard
	MaterialOther MaterialType = 255
)

var materialTypeNames = map[MaterialType]string{
	MaterialPLA:            "PLA",
	MaterialABS:            "ABS",
	MaterialPETG:           "PETG",
	MaterialASA:            "ASA",
	MaterialPC:             "PC",
	MaterialNylon:          "Nylon",
	MaterialTPU:            "TPU",
	MaterialPVA:            "PVA",
	MaterialHIPS:           "HIPS",
	MaterialPP:             "PP",
	MaterialPEI:            "PEI",
	MaterialPEEK:           "PEEK",
	MaterialPA:             "PA",
	MaterialPACF:           "PA-CF",
	MaterialPAGF:           "PA-GF",
	MaterialPLACF:          "PLA-CF",
	MaterialPLAGF:          "PLA-GF",
	MaterialPETGCF:         "PETG-CF",
	MaterialPETGGF:         "PETG-GF",
	MaterialPCABS:          "PC-ABS",
	MaterialPCFR:           "PC-FR",
	MaterialASACF:          "ASA-CF",
	MaterialABSCF:          "ABS-CF",
	MaterialABSGF:          "ABS-GF",
	MaterialTPE:            "TPE",
	MaterialPOM:            "POM",
	MaterialPVB:            "PVB",
	MaterialPEKK:           "PEKK",
	MaterialPPSCF:          "PPS-CF",
	MaterialPPA:            "PPA",
	MaterialPPACF:          "PPA-CF",
	MaterialPPAGF:          "PPA-GF",
	MaterialWood:           "Wood-fill",
	MaterialMetal:          "Metal-fill",
	MaterialCarbonFiber:    "Carbon Fiber",
	MaterialGlow:           "Glow-in-the-dark",
	MaterialSilk:           "Silk",
	MaterialMatte:          "Matte",
	MaterialSupport:        "Support",
	MaterialResinStandard:  "Resin (Standard)",
	MaterialOther:          "Other",
}

// Name returns the human-readable name for a MaterialType, or "Other"
// if unrecognized.
func (m MaterialType) Name() string {
	if n, ok := materialTypeNames[m]; ok {
		return n
	}
	return materialTypeNames[MaterialOther]
}

// Meta carries the optional offset/size header (CBOR keys 0-3).
type Meta struct {
	MainOffset int `cbor:"0,keyasint,omitempty"`
	MainSize   int `cbor:"1,keyasint,omitempty"`
	AuxOffset  int `cbor:"2,keyasint,omitempty"`
	AuxSize    int `cbor:"3,keyasint,omitempty"`
}

// Main carries the MainRegion fields this system cares about (spec.md
// §4.6: keys 9-11, 16-24). Unrecognized keys are ignored by the CBOR
// decoder, matching the tag format's forward-compatibility rule.
type Main struct {
	MaterialType          MaterialType `cbor:"9,keyasint,omitempty"`
	MaterialOrColorName   string       `cbor:"10,keyasint,omitempty"`
	Brand                 string       `cbor:"11,keyasint,omitempty"`
	NominalFullWeight     float32      `cbor:"16,keyasint,omitempty"`
	ActualFullWeight      float32      `cbor:"17,keyasint,omitempty"`
	EmptyContainerWeight  float32      `cbor:"18,keyasint,omitempty"`
	PrimaryColor          []byte       `cbor:"19,keyasint,omitempty"`
	SecondaryColor0       []byte       `cbor:"20,keyasint,omitempty"`
	SecondaryColor1       []byte       `cbor:"21,keyasint,omitempty"`
	SecondaryColor2       []byte       `cbor:"22,keyasint,omitempty"`
	SecondaryColor3       []byte       `cbor:"23,keyasint,omitempty"`
	SecondaryColor4       []byte       `cbor:"24,keyasint,omitempty"`
}

// Decoded is the result of decoding one OpenPrintTag payload: the raw
// Main fields plus a note listing any fields the tag omitted, matching
// spec.md §4.6's "Missing: ..." aggregation.
type Decoded struct {
	Main    Main
	Missing []string
}

var decMode = mustDecMode()

func mustDecMode() cbor.DecMode {
	mode, err := cbor.DecOptions{
		IntDec:            cbor.IntDecConvertSigned,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("openprinttag: building cbor decode mode: %v", err))
	}
	return mode
}

// Decode parses an OpenPrintTag CBOR payload, honoring an optional Meta
// header to locate the MainRegion.
func Decode(payload []byte) (*Decoded, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("openprinttag: empty payload")
	}

	mainPayload := payload
	var meta Meta
	if err := decMode.Unmarshal(payload, &meta); err == nil && meta.MainSize > 0 {
		end := meta.MainOffset + meta.MainSize
		if meta.MainOffset >= 0 && end <= len(payload) {
			mainPayload = payload[meta.MainOffset:end]
		}
	}

	var main Main
	if err := decMode.Unmarshal(mainPayload, &main); err != nil {
		return nil, fmt.Errorf("openprinttag: decoding main section: %w", err)
	}

	d := &Decoded{Main: main}
	d.Missing = missingFields(main)
	return d, nil
}

func missingFields(m Main) []string {
	var missing []string
	if m.MaterialOrColorName == "" {
		missing = append(missing, "material/color name")
	}
	if m.Brand == "" {
		missing = append(missing, "brand")
	}
	if m.NominalFullWeight == 0 {
		missing = append(missing, "nominal full weight")
	}
	if len(m.PrimaryColor) == 0 {
		missing = append(missing, "primary color")
	}
	return missing
}

// instanceNamespace is the UUIDv5 namespace used to derive a stable
// SpoolRecord id from a tag's InstanceUUID-equivalent material/brand
// pairing, matching the teacher's UUIDv5-derivation approach for tags
// that carry no explicit instance UUID field in the MainRegion subset
// this system reads.
var instanceNamespace = uuid.MustParse("d13f1b0a-df8f-5e8c-9b8a-6d6a6f3b9a10")

// DeriveID produces a stable id for a spool from its material+brand+name
// when the tag does not carry an explicit id field.
func DeriveID(brand, name string) string {
	return uuid.NewSHA1(instanceNamespace, []byte(brand+"|"+name)).String()
}
