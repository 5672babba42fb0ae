package walltime

import (
	"fmt"
	"time"
)

// Wildcard matches any value in a Key field.
const Wildcard = "*"

// Key selects a per-seed time budget.
type Key struct {
	Size    string
	Split   string
	Family  string
	Dataset string
}

func (k Key) String() string {
	return fmt.Sprintf("size=%s split=%s family=%s dataset=%s", k.Size, k.Split, k.Family, k.Dataset)
}

// Table is an immutable mapping from Key to a per-seed walltime.
type Table struct {
	entries map[Key]time.Duration
}

// NewTable copies entries into a Table.
func NewTable(entries map[Key]time.Duration) Table {
	m := make(map[Key]time.Duration, len(entries))
	for k, v := range entries {
		m[k] = v
	}
	return Table{entries: m}
}

// Len returns the number of entries.
func (t Table) Len() int { return len(t.entries) }

// Lookup returns the most specific entry for k. Fields set to Wildcard in the
// table match anything; an entry with fewer wildcards wins. Ties are broken by
// keeping Size, then Split, then Family, then Dataset specific.
func (t Table) Lookup(k Key) (time.Duration, bool) {
	if len(t.entries) == 0 {
		return 0, false
	}
	for _, mask := range lookupOrder {
		probe := k
		if mask&1 != 0 {
			probe.Dataset = Wildcard
		}
		if mask&2 != 0 {
			probe.Family = Wildcard
		}
		if mask&4 != 0 {
			probe.Split = Wildcard
		}
		if mask&8 != 0 {
			probe.Size = Wildcard
		}
		if d, ok := t.entries[probe]; ok {
			return d, true
		}
	}
	return 0, false
}

// lookupOrder lists wildcard masks (bit 0 = Dataset ... bit 3 = Size) sorted
// by number of wildcards, then by value.
var lookupOrder = func() []int {
	var order []int
	for bits := 0; bits <= 4; bits++ {
		for mask := 0; mask < 16; mask++ {
			if popcount(mask) == bits {
				order = append(order, mask)
			}
		}
	}
	return order
}()

func popcount(v int) int {
	n := 0
	for v != 0 {
		n += v & 1
		v >>= 1
	}
	return n
}
