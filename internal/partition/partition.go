// Package partition models named slices of a data domain that can be
// materialized independently, such as dates.
package partition

import (
	"fmt"
	"time"
)

// Definition enumerates the valid partition keys of a domain.
type Definition interface {
	// Keys returns every partition key in a stable, meaningful order.
	Keys() []string
	// Has reports whether key is a valid partition.
	Has(key string) bool
	// Name identifies the partitioning scheme; two assets partitioned the
	// same way share a definition name.
	Name() string
}

// Static is a fixed, explicitly enumerated partition set.
type Static struct {
	name string
	keys []string
	set  map[string]bool
}

// NewStatic builds a static partition definition from an ordered key list.
func NewStatic(name string, keys []string) *Static {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return &Static{name: name, keys: keys, set: set}
}

func (s *Static) Keys() []string      { return s.keys }
func (s *Static) Has(key string) bool { return s.set[key] }
func (s *Static) Name() string        { return s.name }

// Daily enumerates one partition per day between start and end inclusive,
// keyed by date in YYYY-MM-DD form.
type Daily struct {
	name  string
	start time.Time
	end   time.Time
}

// NewDaily builds a daily partition definition over [start, end].
func NewDaily(name string, start, end time.Time) *Daily {
	return &Daily{name: name, start: start.Truncate(24 * time.Hour), end: end.Truncate(24 * time.Hour)}
}

const dayFormat = "2006-01-02"

func (d *Daily) Keys() []string {
	var keys []string
	for t := d.start; !t.After(d.end); t = t.AddDate(0, 0, 1) {
		keys = append(keys, t.Format(dayFormat))
	}
	return keys
}

func (d *Daily) Has(key string) bool {
	t, err := time.Parse(dayFormat, key)
	if err != nil {
		return false
	}
	return !t.Before(d.start) && !t.After(d.end)
}

func (d *Daily) Name() string { return d.name }

// Same reports whether two definitions describe the same partitioning.
func Same(a, b Definition) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Name() == b.Name()
}

// Validate returns an error when key is not a member of def.
func Validate(def Definition, key string) error {
	if def == nil {
		return fmt.Errorf("not a partitioned definition")
	}
	if !def.Has(key) {
		return fmt.Errorf("unknown partition key %q for partitioning %q", key, def.Name())
	}
	return nil
}
