package metrics

import (
	"fmt"
	"sync"
	"time"
)

// Sample is one successful poll of the GPU, in raw units.
type Sample struct {
	MemoryUsedPercent  uint64
	GPUUtilPercent     uint64
	TemperatureCelsius uint64
}

// Snapshot is a consistent copy of the table.
type Snapshot struct {
	Values      [numNames]string
	PublishedAt time.Time
	Generation  uint64
}

// Value returns the formatted value for n.
func (s Snapshot) Value(n Name) string {
	if !n.Valid() {
		return ""
	}
	return s.Values[n]
}

// Table is the shared metrics table. The zero value is not usable; use
// NewTable.
type Table struct {
	mu          sync.Mutex
	values      [numNames]string
	publishedAt time.Time
	generation  uint64
}

// NewTable returns a table with every metric set to the empty placeholder.
func NewTable() *Table {
	return &Table{}
}

// Publish formats all three values and replaces them in a single critical
// section. On a formatting error the table is left unchanged.
func (t *Table) Publish(s Sample, now time.Time) error {
	var next [numNames]string
	raw := [numNames]uint64{
		MemoryUsedPercent:  s.MemoryUsedPercent,
		GPUUtilPercent:     s.GPUUtilPercent,
		TemperatureCelsius: s.TemperatureCelsius,
	}
	for _, n := range Names {
		v, err := FormatValue(raw[n])
		if err != nil {
			return fmt.Errorf("formatting %s: %w", n, err)
		}
		next[n] = v
	}

	t.mu.Lock()
	t.values = next
	t.publishedAt = now
	t.generation++
	t.mu.Unlock()
	return nil
}

// Value returns the current formatted value of n and the time it was
// published.
func (t *Table) Value(n Name) (string, time.Time) {
	if !n.Valid() {
		return "", time.Time{}
	}
	t.mu.Lock()
	v, at := t.values[n], t.publishedAt
	t.mu.Unlock()
	return v, at
}

// Snapshot copies all values at once.
func (t *Table) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Values:      t.values,
		PublishedAt: t.publishedAt,
		Generation:  t.generation,
	}
}
