// Package plan loads and validates the combo plan for a run and models the
// resulting work items. A combo is one organizational-filter pair queried
// against the gazette; the plan's order is the dispatch order.
package plan

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

var (
	ErrEmptyPlan   = errors.New("plan has no combos")
	ErrInvalidPlan = errors.New("invalid plan")
)

// Combo is one plan entry as configured. Labels are display strings and carry
// no identity: editing a label does not change which entity is fetched.
type Combo struct {
	Org       string `koanf:"org"`
	Unit      string `koanf:"unit"`
	OrgLabel  string `koanf:"org_label"`
	UnitLabel string `koanf:"unit_label"`
}

type Plan struct {
	Combos []Combo `koanf:"combos"`
}

// Item is one unit of work derived from a combo. ID is the stable position in
// the plan; Status and Attempts are mutated only by the supervisor.
type Item struct {
	ID        int    `json:"id"`
	Org       string `json:"org"`
	Unit      string `json:"unit"`
	OrgLabel  string `json:"org_label,omitempty"`
	UnitLabel string `json:"unit_label,omitempty"`
	Status    Status `json:"status"`
	Attempts  int    `json:"attempts"`
}

// Transition moves the item to the given status, enforcing the table above.
func (it *Item) Transition(to Status) error {
	if err := ValidateTransition(it.Status, to); err != nil {
		return fmt.Errorf("item %d: %w", it.ID, err)
	}
	it.Status = to
	return nil
}

// Load reads a YAML plan file.
func Load(path string) (Plan, error) {
	if strings.TrimSpace(path) == "" {
		return Plan{}, fmt.Errorf("plan path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("read plan: %w", err)
	}
	return Parse(data)
}

// Parse decodes plan YAML.
func Parse(data []byte) (Plan, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return Plan{}, fmt.Errorf("parse plan: %w", err)
	}
	var p Plan
	if err := k.Unmarshal("", &p); err != nil {
		return Plan{}, fmt.Errorf("unmarshal plan: %w", err)
	}
	return p, nil
}

// Validate fails fast on an empty plan or a combo with no filter key at all.
func (p Plan) Validate() error {
	if len(p.Combos) == 0 {
		return ErrEmptyPlan
	}
	for i, c := range p.Combos {
		if strings.TrimSpace(c.Org) == "" && strings.TrimSpace(c.Unit) == "" {
			return fmt.Errorf("%w: combo %d has no filter key", ErrInvalidPlan, i)
		}
	}
	return nil
}

// Items expands the plan into work items in plan order.
func (p Plan) Items() []*Item {
	out := make([]*Item, 0, len(p.Combos))
	for i, c := range p.Combos {
		out = append(out, &Item{
			ID:        i,
			Org:       c.Org,
			Unit:      c.Unit,
			OrgLabel:  c.OrgLabel,
			UnitLabel: c.UnitLabel,
			Status:    StatusPending,
		})
	}
	return out
}
