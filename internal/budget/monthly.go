package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/adrg/xdg"

	"github.com/aristath/roadrunner/internal/jsonio"
)

type baselineFile struct {
	Month  string `json:"month"`
	Tokens int64  `json:"tokens"`
}

// Baseline is the cross-project monthly token counter, persisted under the
// XDG state directory so every project on the machine draws from the same
// monthly ceiling. The counter resets when the month rolls over.
type Baseline struct {
	mu   sync.Mutex
	path string
	data baselineFile
}

// DefaultBaselinePath resolves the shared monthly counter location.
func DefaultBaselinePath() (string, error) {
	return xdg.StateFile("roadrunner/monthly.json")
}

// OpenBaseline loads the counter at path, resetting it if it belongs to a
// previous month.
func OpenBaseline(path string) (*Baseline, error) {
	b := &Baseline{path: path, data: baselineFile{Month: currentMonth(time.Now())}}
	if jsonio.Exists(path) {
		if err := jsonio.Read(path, &b.data); err != nil {
			return nil, fmt.Errorf("loading monthly baseline: %w", err)
		}
		if b.data.Month != currentMonth(time.Now()) {
			b.data = baselineFile{Month: currentMonth(time.Now())}
		}
	}
	return b, nil
}

// Tokens returns this month's accumulated total.
func (b *Baseline) Tokens() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data.Tokens
}

// Add folds a session total into the counter and persists it.
func (b *Baseline) Add(tokens int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	month := currentMonth(time.Now())
	if b.data.Month != month {
		b.data = baselineFile{Month: month}
	}
	b.data.Tokens += tokens
	return jsonio.WriteAtomic(b.path, b.data)
}
