package changelog

import (
	"sort"

	"github.com/pvforecast/nwplake/pkg/types"
)

// Table is an in-memory snapshot of a log.
type Table struct {
	Columns []Column
	Records []Record
}

// Len returns the number of records.
func (t *Table) Len() int { return len(t.Records) }

// Values returns the column values of every record in log order.
func (t *Table) Values(column string) []any {
	out := make([]any, 0, len(t.Records))
	for _, r := range t.Records {
		out = append(out, r[column])
	}
	return out
}

// Keys returns the set of formatted values of column. Nil values are
// skipped.
func (t *Table) Keys(column string) map[string]struct{} {
	typ := types.TypeString
	for _, c := range t.Columns {
		if c.Name == column {
			typ = c.Type
		}
	}
	keys := make(map[string]struct{}, len(t.Records))
	for _, r := range t.Records {
		v, ok := r[column]
		if !ok || v == nil {
			continue
		}
		s, err := types.Format(typ, v)
		if err != nil {
			continue
		}
		keys[s] = struct{}{}
	}
	return keys
}

// Group is the set of records sharing one value of a column.
type Group struct {
	Key     any
	Records []Record
}

// Distinct counts the distinct non-nil values of column within the group.
func (g Group) Distinct(column string) int {
	seen := map[any]struct{}{}
	for _, r := range g.Records {
		if v := r[column]; v != nil {
			seen[v] = struct{}{}
		}
	}
	return len(seen)
}

// GroupBy groups records by the value of column, ascending. Records with a
// nil value are left out.
func (t *Table) GroupBy(column string) []Group {
	var groups []Group
	for _, r := range t.Records {
		v := r[column]
		if v == nil {
			continue
		}
		found := false
		for i := range groups {
			if types.Equal(groups[i].Key, v) {
				groups[i].Records = append(groups[i].Records, r)
				found = true
				break
			}
		}
		if !found {
			groups = append(groups, Group{Key: v, Records: []Record{r}})
		}
	}
	sort.SliceStable(groups, func(i, j int) bool {
		c, err := types.Compare(groups[i].Key, groups[j].Key)
		return err == nil && c < 0
	})
	return groups
}
