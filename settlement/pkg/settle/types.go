package settle

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/malbeclabs/payouts/ledger/pkg/amount"
	"github.com/malbeclabs/payouts/ledger/pkg/ledger"
	"github.com/malbeclabs/payouts/ledger/pkg/strkey"
	"github.com/malbeclabs/payouts/settlement/pkg/governance"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	WeightingBalance      = "balance"
	WeightingTimeWeighted = "time_weighted"
)

// DistributionType is one configured kind of distribution.
type DistributionType struct {
	Name        string       `yaml:"-"`
	HolderAsset ledger.Asset `yaml:"holder_asset"`
	PayAsset    ledger.Asset `yaml:"pay_asset"`
	Source      string       `yaml:"source"`
	Weighting   string       `yaml:"weighting"`
	Days        int          `yaml:"days"`
	Exclude     []string     `yaml:"exclude"`
	// MinAllocation drops shares below it. Empty means no minimum.
	MinAllocation string `yaml:"min_allocation"`
	// Memo may contain {date}, replaced with the run date.
	Memo         string `yaml:"memo"`
	DonatePrefix string `yaml:"donate_prefix"`
	NoRedirect   bool   `yaml:"no_redirect"`
}

func (t *DistributionType) Validate() error {
	if t.HolderAsset.Code == "" {
		return errors.New("holder_asset is required")
	}
	if t.PayAsset.Code == "" {
		return errors.New("pay_asset is required")
	}
	if !strkey.IsValidAccountID(t.Source) {
		return fmt.Errorf("invalid source account %q", t.Source)
	}
	switch t.Weighting {
	case "":
		t.Weighting = WeightingBalance
	case WeightingBalance:
	case WeightingTimeWeighted:
		if t.Days <= 0 {
			return errors.New("days must be positive for time_weighted")
		}
	default:
		return fmt.Errorf("unknown weighting %q", t.Weighting)
	}
	if t.MinAllocation != "" {
		if _, err := amount.Parse(t.MinAllocation); err != nil {
			return fmt.Errorf("invalid min_allocation: %w", err)
		}
	}
	return nil
}

// MinAllocationAmount returns the parsed minimum, zero when unset.
func (t DistributionType) MinAllocationAmount() decimal.Decimal {
	if t.MinAllocation == "" {
		return decimal.Zero
	}
	d, err := amount.Parse(t.MinAllocation)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// MemoAt expands the memo template for a run at now.
func (t DistributionType) MemoAt(now time.Time) string {
	return strings.ReplaceAll(t.Memo, "{date}", now.UTC().Format("2006-01-02"))
}

// GovernanceType configures the signer update of one governed account.
type GovernanceType struct {
	Account     string         `yaml:"account"`
	Assets      []ledger.Asset `yaml:"assets"`
	Policy      string         `yaml:"policy"`
	MinBalance  string         `yaml:"min_balance"`
	Budget      int            `yaml:"budget"`
	MaxSigners  int            `yaml:"max_signers"`
	TargetShare float64        `yaml:"target_share"`
	BandLow     float64        `yaml:"band_low"`
	BandHigh    float64        `yaml:"band_high"`
	MarkerKey   string         `yaml:"marker_key"`
	MaxHops     int            `yaml:"max_hops"`
	Memo        string         `yaml:"memo"`
}

func (g *GovernanceType) Validate() error {
	if !strkey.IsValidAccountID(g.Account) {
		return fmt.Errorf("invalid governed account %q", g.Account)
	}
	if len(g.Assets) == 0 {
		return errors.New("at least one asset is required")
	}
	if _, err := governance.ParsePolicy(g.Policy); err != nil {
		return err
	}
	if g.MinBalance != "" {
		if _, err := amount.Parse(g.MinBalance); err != nil {
			return fmt.Errorf("invalid min_balance: %w", err)
		}
	}
	return nil
}

// Registry holds every configured distribution type and the optional
// governance setup.
type Registry struct {
	Distributions map[string]DistributionType `yaml:"distributions"`
	Governance    *GovernanceType             `yaml:"governance"`
}

// ParseRegistry decodes and validates a YAML registry.
func ParseRegistry(data []byte) (*Registry, error) {
	var r Registry
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}
	for name, t := range r.Distributions {
		t.Name = name
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("invalid distribution type %q: %w", name, err)
		}
		r.Distributions[name] = t
	}
	if r.Governance != nil {
		if err := r.Governance.Validate(); err != nil {
			return nil, fmt.Errorf("invalid governance: %w", err)
		}
	}
	return &r, nil
}

// LoadRegistry reads a registry file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}
	return ParseRegistry(data)
}

// Type looks up a distribution type by tag.
func (r *Registry) Type(name string) (DistributionType, error) {
	t, ok := r.Distributions[name]
	if !ok {
		return DistributionType{}, fmt.Errorf("unknown distribution type %q (known: %s)", name, strings.Join(r.Names(), ", "))
	}
	return t, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.Distributions))
	for name := range r.Distributions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
