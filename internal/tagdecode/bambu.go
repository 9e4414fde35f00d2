package tagdecode

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/spoolease/core/internal/spoolrecord"
)

// baseFilament is one entry of the BASE_FILAMENTS table, mapping a Bambu
// Lab material id (the null-terminated C-string stored at block 1
// bytes 8..16) to a material type/subtype pair.
type baseFilament struct {
	materialType    string
	materialSubtype string
}

// BASE_FILAMENTS maps Bambu Lab's material id codes to a material
// type/subtype, covering the publicly documented RFID tag codes for
// Bambu's own filament lines.
var baseFilaments = map[string]baseFilament{
	"GFA00": {"PLA", "Basic"},
	"GFA01": {"PLA", "Matte"},
	"GFA02": {"PLA", "Metal"},
	"GFA07": {"PLA", "Silk"},
	"GFA09": {"PLA", "Sparkle"},
	"GFA11": {"PLA", "Tough"},
	"GFB00": {"ABS", "Basic"},
	"GFB01": {"ASA", "Basic"},
	"GFB02": {"ABS-GF", "Basic"},
	"GFG00": {"PETG", "Basic"},
	"GFG01": {"PETG", "Translucent"},
	"GFG50": {"PETG-CF", "Basic"},
	"GFC00": {"PC", "Basic"},
	"GFN03": {"PA-CF", "Basic"},
	"GFN04": {"PA6-CF", "Basic"},
	"GFN08": {"PA-GF", "Basic"},
	"GFS00": {"Support", "Basic"},
	"GFS01": {"Support", "For PLA"},
	"GFS02": {"Support", "For PA/PET"},
	"GFT01": {"TPU", "95A"},
	"GFL00": {"PLA-CF", "Basic"},
	"GFL01": {"PETG-CF", "Basic"},
}

// colorKey identifies a BAMBU_COLOR_NAMES entry.
type colorKey struct {
	materialID string
	rgba       string
	rgba2      string
}

// BAMBU_COLOR_NAMES maps (material id, primary rgba, secondary rgba) to
// the marketing color name printed on the spool.
var bambuColorNames = map[colorKey]string{
	{"GFA00", "FFFFFFFF", ""}: "White",
	{"GFA00", "000000FF", ""}: "Black",
	{"GFA00", "F6C11AFF", ""}: "Gold",
	{"GFA00", "0A2CA8FF", ""}: "Blue",
	{"GFA00", "C22A2AFF", ""}: "Red",
	{"GFA00", "1A8C3CFF", ""}: "Bambu Green",
	{"GFB00", "000000FF", ""}: "Black",
	{"GFB00", "FFFFFFFF", ""}: "White",
	{"GFG00", "FFFFFFFF", ""}: "Clear",
	{"GFG00", "000000FF", ""}: "Black",
}

// DecodeBambuMIFARE maps the seven blocks read from a Bambu Lab MIFARE
// Classic 1K tag (blocks 1,2,4,5,6,13,16) into a canonical Record
// (spec.md §4.6). blocks must be keyed by block number, 16 bytes each.
func DecodeBambuMIFARE(uidHex string, blocks map[int][]byte) (*spoolrecord.Record, error) {
	b1, ok := blocks[1]
	if !ok || len(b1) < 16 {
		return nil, fmt.Errorf("tagdecode: missing block 1")
	}
	b5, ok := blocks[5]
	if !ok || len(b5) < 16 {
		return nil, fmt.Errorf("tagdecode: missing block 5")
	}

	materialID := cString(b1[8:16])

	colorCode := fmt.Sprintf("%02X%02X%02X%02X", b5[0], b5[1], b5[2], b5[3])
	weight := int(binary.LittleEndian.Uint16(b5[4:6]))

	var secondary string
	if b16, ok := blocks[16]; ok && len(b16) >= 8 {
		count := int16(binary.LittleEndian.Uint16(b16[2:4]))
		if count > 1 {
			rev := make([]byte, 4)
			for i := 0; i < 4; i++ {
				rev[i] = b16[4+3-i]
			}
			secondary = fmt.Sprintf("%02X%02X%02X%02X", rev[0], rev[1], rev[2], rev[3])
		}
	}

	base, known := baseFilaments[materialID]
	materialType, materialSubtype := materialID, ""
	if known {
		materialType, materialSubtype = base.materialType, base.materialSubtype
	}

	colorName := bambuColorNames[colorKey{materialID, colorCode, secondary}]
	if colorName == "" {
		colorName = bambuColorNames[colorKey{materialID, colorCode, ""}]
	}

	rec := &spoolrecord.Record{
		ID:              spoolrecordID(uidHex, materialID, colorCode),
		TagID:           strings.ToUpper(uidHex),
		MaterialType:    materialType,
		MaterialSubtype: materialSubtype,
		ColorName:       colorName,
		ColorCode:       colorCode,
		Brand:           "Bambu",
		WeightAdvertised: intPtr(weight),
		Origin:          spoolrecord.OriginBambuLab,
	}
	return rec, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func intPtr(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

// spoolrecordID derives a stable id for a Bambu tag from its UID, since
// the tag itself carries no separate instance id field.
func spoolrecordID(uidHex, materialID, colorCode string) string {
	return "bambu-" + strings.ToLower(uidHex)
}
