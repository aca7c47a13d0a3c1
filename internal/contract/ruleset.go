// Package contract defines the evidence contract: the versioned rule set a
// decision event must satisfy to become silver evidence.
package contract

import (
	"errors"
	"os"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/evidence-cli/internal/model"
)

// DefaultVersion is the version of the built-in rule set.
const DefaultVersion = "1.0.0"

// ErrUnknownRuleSet is returned when a requested contract version is not registered.
var ErrUnknownRuleSet = errors.New("contract: unknown rule set version")

// RuleSet is an explicit, versioned contract configuration. It is passed to
// the splitter rather than held as ambient state so reprocessing is
// reproducible.
type RuleSet struct {
	Version       string   `yaml:"version" json:"version"`
	ConfidenceMin *float64 `yaml:"confidence_min" json:"confidence_min,omitempty"`
	ConfidenceMax *float64 `yaml:"confidence_max" json:"confidence_max,omitempty"`
}

// DefaultRuleSet returns the built-in contract: confidence scores in [0, 1].
func DefaultRuleSet() RuleSet {
	lo, hi := 0.0, 1.0
	return RuleSet{Version: DefaultVersion, ConfidenceMin: &lo, ConfidenceMax: &hi}
}

// SemVer parses the rule set version.
func (rs RuleSet) SemVer() (*semver.Version, error) {
	v, err := semver.NewVersion(rs.Version)
	if err != nil {
		return nil, eris.Wrapf(err, "contract: parse version %q", rs.Version)
	}
	return v, nil
}

// Check reports configuration errors in the rule set itself.
func (rs RuleSet) Check() error {
	if _, err := rs.SemVer(); err != nil {
		return err
	}
	if rs.ConfidenceMin != nil && rs.ConfidenceMax != nil && *rs.ConfidenceMin > *rs.ConfidenceMax {
		return eris.Errorf("contract: rule set %s: confidence_min %g exceeds confidence_max %g",
			rs.Version, *rs.ConfidenceMin, *rs.ConfidenceMax)
	}
	return nil
}

// Registry holds every known rule set keyed by version.
type Registry struct {
	sets map[string]RuleSet
}

// NewRegistry builds a registry from rule sets, rejecting duplicates.
func NewRegistry(sets ...RuleSet) (*Registry, error) {
	r := &Registry{sets: make(map[string]RuleSet, len(sets))}
	for _, rs := range sets {
		if err := rs.Check(); err != nil {
			return nil, err
		}
		if _, dup := r.sets[rs.Version]; dup {
			return nil, eris.Errorf("contract: duplicate rule set version %s", rs.Version)
		}
		r.sets[rs.Version] = rs
	}
	return r, nil
}

// Lookup returns the rule set for version, or the latest when version is empty.
func (r *Registry) Lookup(version string) (RuleSet, error) {
	if version == "" {
		return r.Latest()
	}
	rs, ok := r.sets[version]
	if !ok {
		return RuleSet{}, eris.Wrapf(ErrUnknownRuleSet, "version %s", version)
	}
	return rs, nil
}

// Latest returns the highest registered version.
func (r *Registry) Latest() (RuleSet, error) {
	versions := r.Versions()
	if len(versions) == 0 {
		return RuleSet{}, eris.Wrap(ErrUnknownRuleSet, "registry is empty")
	}
	return r.sets[versions[len(versions)-1]], nil
}

// Versions lists registered versions in ascending semver order.
func (r *Registry) Versions() []string {
	parsed := make([]*semver.Version, 0, len(r.sets))
	for _, rs := range r.sets {
		v, _ := rs.SemVer() // checked in NewRegistry
		parsed = append(parsed, v)
	}
	sort.Sort(semver.Collection(parsed))
	out := make([]string, len(parsed))
	for i, v := range parsed {
		out[i] = v.Original()
	}
	return out
}

type ruleFile struct {
	RuleSets []RuleSet `yaml:"rule_sets"`
}

// LoadRegistry reads rule sets from a YAML file. An empty path yields a
// registry holding only the built-in rule set.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return NewRegistry(DefaultRuleSet())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "contract: read rules %s", path)
	}
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "contract: parse rules %s", path)
	}
	if len(f.RuleSets) == 0 {
		return nil, eris.Errorf("contract: %s defines no rule sets", path)
	}
	return NewRegistry(f.RuleSets...)
}

// CompareVersions classifies the move from one contract version to another.
func CompareVersions(from, to string) (model.LineageDirection, error) {
	a, err := semver.NewVersion(from)
	if err != nil {
		return "", eris.Wrapf(err, "contract: parse version %q", from)
	}
	b, err := semver.NewVersion(to)
	if err != nil {
		return "", eris.Wrapf(err, "contract: parse version %q", to)
	}
	switch a.Compare(b) {
	case -1:
		return model.LineageUpgrade, nil
	case 1:
		return model.LineageDowngrade, nil
	}
	return model.LineageSame, nil
}
