package collaborators

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

// StaticLOS is an in-memory loan origination system keyed by application.
type StaticLOS struct {
	mu    sync.RWMutex
	loans map[string]*store.LoanContext
}

// NewStaticLOS creates a provider seeded with contexts.
func NewStaticLOS(contexts ...*store.LoanContext) *StaticLOS {
	l := &StaticLOS{loans: make(map[string]*store.LoanContext, len(contexts))}
	for _, c := range contexts {
		l.Put(c)
	}
	return l
}

// LoadStaticLOS reads a JSON array of loan contexts from path.
func LoadStaticLOS(path string) (*StaticLOS, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read loan contexts: %w", err)
	}
	var contexts []*store.LoanContext
	if err := json.Unmarshal(data, &contexts); err != nil {
		return nil, fmt.Errorf("parse loan contexts %s: %w", path, err)
	}
	return NewStaticLOS(contexts...), nil
}

// Put adds or replaces a loan context.
func (l *StaticLOS) Put(c *store.LoanContext) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loans[c.LoanApplicationID] = c
}

func (l *StaticLOS) Fetch(ctx context.Context, loanApplicationID string) (*store.LoanContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	c, ok := l.loans[loanApplicationID]
	l.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "loan application %q not found in LOS", loanApplicationID).
			WithStage(schema.StageContext)
	}

	// Callers own the result.
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("copy loan context: %w", err)
	}
	out := &store.LoanContext{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("copy loan context: %w", err)
	}
	return out, nil
}

var _ LoanContextProvider = (*StaticLOS)(nil)
