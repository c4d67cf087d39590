package pg

import (
	"fmt"
	"strings"

	"github.com/airbusgeo/geocube-mosaic/common"
	db "github.com/airbusgeo/geocube-mosaic/interface/database"
)

// pagination returns the LIMIT/OFFSET suffix of a query. limit=0 means no limit.
func pagination(page, limit int) string {
	switch {
	case limit <= 0:
		return ""
	case page <= 0:
		return fmt.Sprintf(" LIMIT %d", limit)
	default:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, page*limit)
	}
}

// subtypePattern converts a subtype filter to a LIKE pattern.
// Returns the operator to use: =, LIKE or ILIKE
func subtypePattern(filter string) (string, string) {
	f := db.ParseSubtypeFilter(filter)
	if f.Exact() {
		return f.Value, "="
	}
	escaped := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(f.Value)
	pattern := strings.NewReplacer("*", "%", "?", "_").Replace(escaped)
	if f.CaseInsensitive {
		return pattern, "ILIKE"
	}
	return pattern, "LIKE"
}

// conditions builds a WHERE clause with numbered parameters ($1, $2...)
type conditions struct {
	args  []interface{}
	terms []string
}

// add appends a condition. Each %d of the condition is replaced by the position of the next argument.
func (c *conditions) add(condition string, args ...interface{}) {
	positions := make([]interface{}, len(args))
	for i := range args {
		positions[i] = len(c.args) + i + 1
	}
	c.args = append(c.args, args...)
	c.terms = append(c.terms, fmt.Sprintf(condition, positions...))
}

// bboxContains keeps the rows whose bounding box contains the point
func (c *conditions) bboxContains(p common.GeoPoint) {
	c.add("min_lat <= $%d AND max_lat >= $%d", p.Lat, p.Lat)
	c.add("min_lon <= $%d AND max_lon >= $%d", p.Lon, p.Lon)
}

func (c conditions) where() string {
	if len(c.terms) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.terms, " AND ")
}
