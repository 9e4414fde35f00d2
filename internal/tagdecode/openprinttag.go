package tagdecode

import (
	"fmt"
	"strings"

	"github.com/spoolease/core/internal/spoolrecord"
	"github.com/spoolease/core/internal/tagdecode/openprinttag"
)

// DecodeOpenPrintTagNDEF locates the application/vnd.openprinttag MIME
// record in a raw NDEF message and decodes it into a canonical Record,
// aggregating any MainRegion fields the tag omitted into Note as
// "Missing: ..." (spec.md §4.6).
func DecodeOpenPrintTagNDEF(buf []byte) (*spoolrecord.Record, error) {
	records, err := ParseTLVMessage(buf)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.TNF != 0x02 /* MIME media */ || r.Type != openprinttag.MIMEType {
			continue
		}
		decoded, err := openprinttag.Decode(r.Payload)
		if err != nil {
			return nil, err
		}
		return recordFromOpenPrintTag(decoded), nil
	}
	return nil, fmt.Errorf("tagdecode: no OpenPrintTag record found")
}

func recordFromOpenPrintTag(d *openprinttag.Decoded) *spoolrecord.Record {
	m := d.Main
	colorCode := ""
	if len(m.PrimaryColor) >= 3 {
		rgba := m.PrimaryColor
		if len(rgba) == 3 {
			rgba = append(append([]byte{}, rgba...), 0xFF)
		}
		colorCode = fmt.Sprintf("%02X%02X%02X%02X", rgba[0], rgba[1], rgba[2], rgba[3])
	}

	note := ""
	if len(d.Missing) > 0 {
		note = "Missing: " + strings.Join(d.Missing, ", ")
	}

	brand := m.Brand
	if brand == "" {
		brand = "Unknown"
	}

	id := openprinttag.DeriveID(brand, m.MaterialOrColorName)

	return &spoolrecord.Record{
		ID:               id,
		MaterialType:     m.MaterialType.Name(),
		ColorName:        m.MaterialOrColorName,
		ColorCode:        colorCode,
		Brand:            brand,
		Note:             note,
		WeightAdvertised: weightPtr(m.NominalFullWeight),
		WeightNew:        weightPtr(m.ActualFullWeight),
		WeightCore:       weightPtr(m.EmptyContainerWeight),
		Origin:           spoolrecord.OriginOpenPrintTag,
	}
}

func weightPtr(v float32) *int {
	if v == 0 {
		return nil
	}
	n := int(v)
	return &n
}
