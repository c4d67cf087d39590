package common

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
)

// ScaleUnit defines how the Scale of a MapType must be read
type ScaleUnit int

const (
	ScaleUnitScale ScaleUnit = iota // 1:Scale chart
	ScaleUnitMeter                  // Ground sample distance in meters
)

// MapType describes a family of RPF products
type MapType struct {
	Code        string // two-letter code found in the frame file extension
	Scale       float64
	Unit        ScaleUnit
	Folder      string // conventional folder name under rpf/
	Product     string // CADRG or CIB
	Description string
}

// Resolution returns the nominal ground sample distance of the map type in meters
func (m MapType) Resolution() float64 {
	if m.Unit == ScaleUnitMeter {
		return m.Scale
	}
	return CadrgScaleToCibResolution(1 / m.Scale)
}

// Subtype returns the catalog subtype label (type + formatted resolution)
func (m MapType) Subtype() string {
	if m.Product == "CIB" {
		return "CIB " + FormatResolution(m.Resolution())
	}
	return m.Description
}

var rpfMapTypes = []MapType{
	{"GN", 5000000, ScaleUnitScale, "cgnc", "CADRG", "GNC"},
	{"JN", 2000000, ScaleUnitScale, "cjnc", "CADRG", "JNC"},
	{"ON", 1000000, ScaleUnitScale, "conc", "CADRG", "ONC"},
	{"LF", 500000, ScaleUnitScale, "clfc", "CADRG", "LFC Day"},
	{"TP", 500000, ScaleUnitScale, "ctpc", "CADRG", "TPC"},
	{"TF", 250000, ScaleUnitScale, "ctfc", "CADRG", "TFC"},
	{"JA", 250000, ScaleUnitScale, "cjga", "CADRG", "JOG"},
	{"TC", 100000, ScaleUnitScale, "ctlm100", "CADRG", "TLM"},
	{"TL", 50000, ScaleUnitScale, "ctlm50", "CADRG", "TLM"},
	{"I1", 10, ScaleUnitMeter, "cib10", "CIB", ""},
	{"I2", 5, ScaleUnitMeter, "cib5", "CIB", ""},
	{"I3", 2, ScaleUnitMeter, "cib2", "CIB", ""},
	{"I4", 1, ScaleUnitMeter, "cib1", "CIB", ""},
	{"I5", 0.5, ScaleUnitMeter, "cib05", "CIB", ""},
	{"CA", 15000, ScaleUnitScale, "ccg15", "CADRG", "CG"},
	{"CG", 1000000, ScaleUnitScale, "ccg1M", "CADRG", "CG"},
	{"MM", 50000, ScaleUnitScale, "mm50", "CADRG", "MM"},
	{"MM", 100000, ScaleUnitScale, "mm100", "CADRG", "MM"},
	{"MM", 250000, ScaleUnitScale, "mm250", "CADRG", "MM"},
	{"TN", 250000, ScaleUnitScale, "ctfn", "CADRG", "TFC Night"},
	{"LN", 500000, ScaleUnitScale, "clfn", "CADRG", "LFC Night"},
	{"SA", 500000, ScaleUnitScale, "usa-sec", "CADRG", "USA Sectional"},
	{"VT", 250000, ScaleUnitScale, "vfr", "CADRG", "VFR Terminal Area Chart"},
	{"JO", 250000, ScaleUnitScale, "opg", "CADRG", "Operational Planning Graph"},
	{"JG", 250000, ScaleUnitScale, "jogg", "CADRG", "JOG-G"},
	{"JR", 250000, ScaleUnitScale, "jogr", "CADRG", "JOG-R"},
	{"VH", 125000, ScaleUnitScale, "chrc125", "CADRG", "Helicopter Route Chart"},
	{"OW", 1000000, ScaleUnitScale, "chfc1M", "CADRG", "High Flying Chart"},
	{"MI", 50000, ScaleUnitScale, "mim50", "CADRG", "Military Installation Map"},
	{"CM", 10000, ScaleUnitScale, "cc10", "CADRG", "Combat Chart"},
	{"CM", 25000, ScaleUnitScale, "cc25", "CADRG", "Combat Chart"},
	{"CM", 50000, ScaleUnitScale, "cc50", "CADRG", "Combat Chart"},
	{"CM", 100000, ScaleUnitScale, "cc100", "CADRG", "Combat Chart"},
}

// PFPS data directories holding imagery
var PfpsDataDirs = []string{"geotiff", "mrsid", "rpf"}

// Table-of-contents files are index files and never hold pixels
var tocFiles = map[string]struct{}{"a.toc": {}, "toc.xml": {}}

// IsTOCFile returns true if the file is a RPF table-of-contents
func IsTOCFile(path string) bool {
	_, ok := tocFiles[strings.ToLower(filepath.Base(path))]
	return ok
}

// MapTypeFromFolder returns the map type from its conventional folder name (case insensitive)
func MapTypeFromFolder(folder string) (MapType, bool) {
	for _, m := range rpfMapTypes {
		if strings.EqualFold(m.Folder, folder) {
			return m, true
		}
	}
	return MapType{}, false
}

// MapTypeFromFrame returns the map type from a 12-character frame file name
// The first matching code wins when several map types share the same code.
func MapTypeFromFrame(frame string) (MapType, bool) {
	if !IsFrameName(frame) {
		return MapType{}, false
	}
	code := strings.ToUpper(frame[9:11])
	for _, m := range rpfMapTypes {
		if m.Code == code {
			return m, true
		}
	}
	return MapType{}, false
}

// IsFrameName checks the 8.3 shape of a RPF frame file name
func IsFrameName(name string) bool {
	if len(name) != 12 || name[8] != '.' {
		return false
	}
	for i := 0; i < 8; i++ {
		if Base34DecodeChar(name[i]) < 0 {
			return false
		}
	}
	for i := 9; i < 12; i++ {
		c := name[i]
		if !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'z') && !(c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}

// Base34DecodeChar decodes one character of the base-34 alphabet (0-9 A-Z without I and O)
// It returns -1 if the character is not part of the alphabet.
func Base34DecodeChar(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'z':
		c -= 'a' - 'A'
	case c < 'A' || c > 'Z':
		return -1
	}
	switch {
	case c < 'I':
		return int(c-'A') + 10
	case c > 'I' && c < 'O':
		return int(c-'A') + 9
	case c > 'O':
		return int(c-'A') + 8
	}
	return -1
}

// Base34Decode decodes a base-34 string
func Base34Decode(s string) (int, error) {
	r := 0
	for i := 0; i < len(s); i++ {
		v := Base34DecodeChar(s[i])
		if v < 0 {
			return 0, fmt.Errorf("invalid base34 string: %s", s)
		}
		r = r*34 + v
	}
	return r, nil
}

func frameNumberLen(m MapType) int {
	if strings.HasPrefix(m.Folder, "cib") {
		return 6
	}
	return 5
}

// FrameInfo parses a RPF frame file name
func FrameInfo(frame string) (map[string]string, error) {
	m, ok := MapTypeFromFrame(frame)
	if !ok {
		return nil, fmt.Errorf("invalid RPF frame file name: %s", frame)
	}
	n := frameNumberLen(m)
	number, err := Base34Decode(frame[:n])
	if err != nil {
		return nil, fmt.Errorf("FrameInfo.number: %w", err)
	}
	version, err := Base34Decode(frame[n:8])
	if err != nil {
		return nil, fmt.Errorf("FrameInfo.version: %w", err)
	}
	zone, _ := Base34Decode(frame[11:12])
	return map[string]string{
		"FRAME":        frame,
		"FRAME_NUMBER": strconv.Itoa(number),
		"VERSION":      strconv.Itoa(version),
		"ZONE":         strconv.Itoa(zone),
		"CODE":         m.Code,
		"PRODUCT":      m.Product,
		"SUBTYPE":      m.Subtype(),
	}, nil
}

// NewestFrames keeps, for each frame number and zone, the frame file name with the highest version
// Names that are not frame names are returned unchanged.
func NewestFrames(names []string) []string {
	type key struct{ number, zone, code string }
	newest := map[key]string{}
	versions := map[key]int{}
	var res []string
	for _, name := range names {
		info, err := FrameInfo(name)
		if err != nil {
			res = append(res, name)
			continue
		}
		k := key{info["FRAME_NUMBER"], info["ZONE"], info["CODE"]}
		v, _ := strconv.Atoi(info["VERSION"])
		if prev, ok := versions[k]; !ok || v > prev {
			versions[k] = v
			newest[k] = name
		}
	}
	for _, name := range names {
		info, err := FrameInfo(name)
		if err != nil {
			continue
		}
		if newest[key{info["FRAME_NUMBER"], info["ZONE"], info["CODE"]}] == name {
			res = append(res, name)
		}
	}
	return res
}

// CadrgScaleToCibResolution converts a chart scale (e.g. 1/50000) into a nominal ground resolution in meters
func CadrgScaleToCibResolution(scale float64) float64 {
	return 150.0e-6 / scale
}

// FormatResolution formats a resolution in meters: 50cm, 1m, 2.5km...
func FormatResolution(meters float64) string {
	switch {
	case math.IsNaN(meters) || meters <= 0:
		return "unknown"
	case meters < 1:
		return strconv.FormatFloat(math.Round(meters*1000)/10, 'f', -1, 64) + "cm"
	case meters < 1000:
		return strconv.FormatFloat(math.Round(meters*10)/10, 'f', -1, 64) + "m"
	default:
		return strconv.FormatFloat(math.Round(meters/100)/10, 'f', -1, 64) + "km"
	}
}
