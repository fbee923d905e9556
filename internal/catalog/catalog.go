// Package catalog loads the purchasable plan tiers.
//
// Plans are immutable once loaded. The default catalog is embedded; an operator can
// replace it with a YAML file of the same shape. Either way the result is seeded into
// the store at boot so servers can reference plans by id.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/craftnest/control-plane/internal/model"
)

//go:embed plans.yaml
var defaultPlans []byte

var ErrInvalidCatalog = errors.New("invalid plan catalog")

type planFile struct {
	Plans []planEntry `yaml:"plans"`
}

type planEntry struct {
	ID           string       `yaml:"id"`
	Name         string       `yaml:"name"`
	DisplayName  string       `yaml:"display_name"`
	Description  string       `yaml:"description"`
	Price        int64        `yaml:"price"`
	Currency     string       `yaml:"currency"`
	BillingCycle string       `yaml:"billing_cycle"`
	IsFree       bool         `yaml:"is_free"`
	Inactive     bool         `yaml:"inactive"`
	MaxServers   int          `yaml:"max_servers"`
	Features     featureEntry `yaml:"features"`
}

type featureEntry struct {
	RAMGB           int  `yaml:"ram_gb"`
	StorageGB       int  `yaml:"storage_gb"`
	PlayerSlots     int  `yaml:"player_slots"`
	CPUCores        int  `yaml:"cpu_cores"`
	BandwidthGB     int  `yaml:"bandwidth_gb"`
	Backups         bool `yaml:"backups"`
	DDoSProtection  bool `yaml:"ddos_protection"`
	CustomDomain    bool `yaml:"custom_domain"`
	PrioritySupport bool `yaml:"priority_support"`
}

// Default returns the embedded catalog.
func Default() ([]model.Plan, error) {
	return Parse(defaultPlans)
}

// Load reads the catalog at path, or the embedded default when path is empty.
func Load(path string) ([]model.Plan, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan catalog: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) ([]model.Plan, error) {
	var f planFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}
	plans := make([]model.Plan, 0, len(f.Plans))
	for _, e := range f.Plans {
		plans = append(plans, e.toPlan())
	}
	if err := Validate(plans); err != nil {
		return nil, err
	}
	return plans, nil
}

func (e planEntry) toPlan() model.Plan {
	id := strings.TrimSpace(e.ID)
	if id == "" {
		id = strings.TrimSpace(e.Name)
	}
	currency := e.Currency
	if currency == "" {
		currency = "USD"
	}
	cycle := model.BillingCycle(e.BillingCycle)
	if cycle == "" {
		cycle = model.BillingMonthly
	}
	maxServers := e.MaxServers
	if maxServers == 0 {
		maxServers = 1
	}
	return model.Plan{
		ID:           id,
		Name:         e.Name,
		DisplayName:  e.DisplayName,
		Description:  e.Description,
		Price:        e.Price,
		Currency:     currency,
		BillingCycle: cycle,
		IsFree:       e.IsFree,
		IsActive:     !e.Inactive,
		MaxServers:   maxServers,
		Features: model.PlanFeatures{
			RAMGB:           e.Features.RAMGB,
			StorageGB:       e.Features.StorageGB,
			PlayerSlots:     e.Features.PlayerSlots,
			CPUCores:        e.Features.CPUCores,
			BandwidthGB:     e.Features.BandwidthGB,
			Backups:         e.Features.Backups,
			DDoSProtection:  e.Features.DDoSProtection,
			CustomDomain:    e.Features.CustomDomain,
			PrioritySupport: e.Features.PrioritySupport,
		},
	}
}

// Validate enforces unique ids and names, sane limits, and at most one free plan.
func Validate(plans []model.Plan) error {
	if len(plans) == 0 {
		return fmt.Errorf("%w: no plans defined", ErrInvalidCatalog)
	}
	ids := make(map[string]struct{}, len(plans))
	names := make(map[string]struct{}, len(plans))
	freePlans := 0
	for _, p := range plans {
		if p.ID == "" || p.Name == "" {
			return fmt.Errorf("%w: plan id and name are required", ErrInvalidCatalog)
		}
		if _, dup := ids[p.ID]; dup {
			return fmt.Errorf("%w: duplicate plan id %q", ErrInvalidCatalog, p.ID)
		}
		ids[p.ID] = struct{}{}
		if _, dup := names[p.Name]; dup {
			return fmt.Errorf("%w: duplicate plan name %q", ErrInvalidCatalog, p.Name)
		}
		names[p.Name] = struct{}{}
		if !p.BillingCycle.Valid() {
			return fmt.Errorf("%w: plan %q has unknown billing cycle %q", ErrInvalidCatalog, p.ID, p.BillingCycle)
		}
		if p.MaxServers < 1 {
			return fmt.Errorf("%w: plan %q must allow at least one server", ErrInvalidCatalog, p.ID)
		}
		if p.Features.PlayerSlots < 1 {
			return fmt.Errorf("%w: plan %q must allow at least one player slot", ErrInvalidCatalog, p.ID)
		}
		if p.Price < 0 {
			return fmt.Errorf("%w: plan %q has a negative price", ErrInvalidCatalog, p.ID)
		}
		if p.IsFree {
			freePlans++
		}
	}
	if freePlans > 1 {
		return fmt.Errorf("%w: only one free plan may exist", ErrInvalidCatalog)
	}
	return nil
}
