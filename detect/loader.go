package detect

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"argus/core"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// CatalogSchemaFile is looked up next to a catalog file and replaces the
// built-in schema when present
const CatalogSchemaFile = "catalog_schema.json"

//go:embed catalog_schema.json
var defaultCatalogSchema []byte

// catalogFile is the on-disk YAML layout of rules and signatures
type catalogFile struct {
	Rules      []ruleSpec             `yaml:"rules"`
	Signatures []core.ThreatSignature `yaml:"signatures"`
}

// ruleSpec is a rule as authored in YAML: exactly one of text or expression
type ruleSpec struct {
	ID                string  `yaml:"id"`
	Name              string  `yaml:"name"`
	Description       string  `yaml:"description"`
	Severity          string  `yaml:"severity"`
	Action            string  `yaml:"action"`
	Enabled           *bool   `yaml:"enabled"`
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
	Text              string  `yaml:"text"`
	CaseInsensitive   bool    `yaml:"case_insensitive"`
	Expression        string  `yaml:"expression"`
}

func (s ruleSpec) toRule() (core.DetectionRule, error) {
	rule := core.DetectionRule{
		ID:                s.ID,
		Name:              s.Name,
		Description:       s.Description,
		Severity:          core.Severity(strings.ToLower(s.Severity)),
		Action:            core.RuleAction(s.Action),
		Enabled:           true,
		FalsePositiveRate: s.FalsePositiveRate,
	}
	if s.Enabled != nil {
		rule.Enabled = *s.Enabled
	}

	switch {
	case s.Text != "" && s.Expression != "":
		return rule, fmt.Errorf("%w: rule %s sets both text and expression", ErrInvalidRule, s.ID)
	case s.Text != "":
		rule.Pattern = core.TextPattern(s.Text, s.CaseInsensitive)
	case s.Expression != "":
		p, err := ExpressionPattern(s.Expression)
		if err != nil {
			return rule, fmt.Errorf("rule %s: %w", s.ID, err)
		}
		rule.Pattern = p
	default:
		return rule, fmt.Errorf("%w: rule %s needs text or expression", ErrInvalidRule, s.ID)
	}
	return rule, nil
}

// ValidateCatalogSchema checks YAML catalog content against a JSON schema
func ValidateCatalogSchema(schema, data []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse catalog YAML: %w", err)
	}
	if doc == nil {
		return nil
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("failed to validate catalog against schema: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return fmt.Errorf("%w: %s", ErrCatalogSchema, strings.Join(problems, "; "))
	}
	return nil
}

// ParseCatalog decodes and validates YAML catalog content against the
// built-in schema. A schema mismatch rejects the whole document; otherwise
// every problem is reported and valid entries are returned alongside the
// joined error.
func ParseCatalog(data []byte) ([]core.DetectionRule, []core.ThreatSignature, error) {
	return parseCatalog(defaultCatalogSchema, data)
}

func parseCatalog(schema, data []byte) ([]core.DetectionRule, []core.ThreatSignature, error) {
	if err := ValidateCatalogSchema(schema, data); err != nil {
		return nil, nil, err
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
	}

	var (
		rules []core.DetectionRule
		sigs  []core.ThreatSignature
		errs  []error
	)
	for _, spec := range file.Rules {
		rule, err := spec.toRule()
		if err == nil {
			rule, err = prepareRule(rule)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rules = append(rules, rule)
	}
	for _, sig := range file.Signatures {
		if err := sig.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%w: signature %s: %v", ErrInvalidSignature, sig.ID, err))
			continue
		}
		sigs = append(sigs, sig)
	}
	return rules, sigs, errors.Join(errs...)
}

// LoadCatalogFile reads a YAML catalog file. A catalog_schema.json beside
// the file is used instead of the built-in schema.
func LoadCatalogFile(path string) ([]core.DetectionRule, []core.ThreatSignature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read catalog file %s: %w", path, err)
	}

	schema := defaultCatalogSchema
	custom, err := os.ReadFile(filepath.Join(filepath.Dir(path), CatalogSchemaFile))
	switch {
	case err == nil:
		schema = custom
	case !errors.Is(err, os.ErrNotExist):
		return nil, nil, fmt.Errorf("failed to read catalog schema: %w", err)
	}
	return parseCatalog(schema, data)
}

// LoadFile adds or replaces catalog entries from a YAML file. Invalid entries
// are logged and skipped.
func (c *Catalog) LoadFile(path string) (int, error) {
	rules, sigs, err := LoadCatalogFile(path)
	if rules == nil && sigs == nil && err != nil {
		return 0, err
	}
	if err != nil {
		c.logger.Warnw("Catalog file contains invalid entries", "path", path, "error", err)
	}

	loaded := 0
	for _, r := range rules {
		if _, getErr := c.Rule(r.ID); getErr == nil {
			err = c.UpdateRule(r)
		} else {
			err = c.AddRule(r)
		}
		if err != nil {
			c.logger.Errorw("Failed to load rule", "rule_id", r.ID, "error", err)
			continue
		}
		loaded++
	}
	for _, s := range sigs {
		if _, getErr := c.Signature(s.ID); getErr == nil {
			err = c.UpdateSignature(s)
		} else {
			err = c.AddSignature(s)
		}
		if err != nil {
			c.logger.Errorw("Failed to load signature", "signature_id", s.ID, "error", err)
			continue
		}
		loaded++
	}
	c.logger.Infow("Catalog file loaded", "path", path, "entries", loaded)
	return loaded, nil
}

// LogCatalogErrors is a helper used by the CLI to print joined validation errors
func LogCatalogErrors(logger *zap.SugaredLogger, err error) {
	if err == nil {
		return
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			logger.Errorw("Catalog entry rejected", "error", e)
		}
		return
	}
	logger.Errorw("Catalog entry rejected", "error", err)
}
