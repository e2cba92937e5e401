package detect

import (
	"fmt"
	"sync"

	"argus/core"

	"go.uber.org/zap"
)

// Catalog holds the detection rules and threat signatures. Entries are only
// changed through its management methods; readers get copies.
type Catalog struct {
	mu         sync.RWMutex
	rules      map[string]core.DetectionRule
	ruleOrder  []string
	signatures map[string]core.ThreatSignature
	sigOrder   []string
	logger     *zap.SugaredLogger
}

// NewCatalog creates an empty catalog
func NewCatalog(logger *zap.SugaredLogger) *Catalog {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Catalog{
		rules:      make(map[string]core.DetectionRule),
		signatures: make(map[string]core.ThreatSignature),
		logger:     logger,
	}
}

// NewDefaultCatalog creates a catalog seeded with the built-in rules and signatures
func NewDefaultCatalog(logger *zap.SugaredLogger) *Catalog {
	c := NewCatalog(logger)
	for _, r := range DefaultRules() {
		if err := c.AddRule(r); err != nil {
			c.logger.Errorw("Invalid built-in rule", "rule_id", r.ID, "error", err)
		}
	}
	for _, s := range DefaultSignatures() {
		if err := c.AddSignature(s); err != nil {
			c.logger.Errorw("Invalid built-in signature", "signature_id", s.ID, "error", err)
		}
	}
	return c
}

// prepareRule validates a rule and compiles expression predicates
func prepareRule(rule core.DetectionRule) (core.DetectionRule, error) {
	if rule.Pattern.Kind == core.PatternKindPredicate && rule.Pattern.Predicate == nil && rule.Pattern.Expression != "" {
		fn, err := CompileExpression(rule.Pattern.Expression)
		if err != nil {
			return rule, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		rule.Pattern.Predicate = fn
	}
	if err := rule.Validate(); err != nil {
		return rule, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if rule.Pattern.Kind == core.PatternKindText {
		if _, err := compilePattern(rule.Pattern.Text, rule.Pattern.CaseInsensitive, DefaultRegexTimeout); err != nil {
			return rule, fmt.Errorf("%w: rule %s: %v", ErrInvalidRule, rule.ID, err)
		}
	}
	if rule.Action == "" {
		rule.Action = core.RuleActionAlert
	}
	return rule, nil
}

// AddRule validates and adds a new rule
func (c *Catalog) AddRule(rule core.DetectionRule) error {
	rule, err := prepareRule(rule)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.rules[rule.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.ID)
	}
	c.rules[rule.ID] = rule
	c.ruleOrder = append(c.ruleOrder, rule.ID)
	c.logger.Infow("Rule added", "rule_id", rule.ID, "severity", rule.Severity, "kind", rule.Pattern.Kind)
	return nil
}

// UpdateRule replaces an existing rule
func (c *Catalog) UpdateRule(rule core.DetectionRule) error {
	rule, err := prepareRule(rule)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.rules[rule.ID]; !exists {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}
	c.rules[rule.ID] = rule
	c.logger.Infow("Rule updated", "rule_id", rule.ID)
	return nil
}

// RemoveRule deletes a rule
func (c *Catalog) RemoveRule(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.rules[id]; !exists {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	delete(c.rules, id)
	c.ruleOrder = removeID(c.ruleOrder, id)
	c.logger.Infow("Rule removed", "rule_id", id)
	return nil
}

// EnableRule turns a rule on
func (c *Catalog) EnableRule(id string) error {
	return c.setEnabled(id, true)
}

// DisableRule turns a rule off
func (c *Catalog) DisableRule(id string) error {
	return c.setEnabled(id, false)
}

func (c *Catalog) setEnabled(id string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rule, exists := c.rules[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	rule.Enabled = enabled
	c.rules[id] = rule
	c.logger.Infow("Rule toggled", "rule_id", id, "enabled", enabled)
	return nil
}

// Rule returns a rule by id
func (c *Catalog) Rule(id string) (core.DetectionRule, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rule, exists := c.rules[id]
	if !exists {
		return core.DetectionRule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return rule, nil
}

// Rules returns all rules in insertion order
func (c *Catalog) Rules() []core.DetectionRule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]core.DetectionRule, 0, len(c.ruleOrder))
	for _, id := range c.ruleOrder {
		out = append(out, c.rules[id])
	}
	return out
}

// EnabledRules returns enabled rules in insertion order
func (c *Catalog) EnabledRules() []core.DetectionRule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []core.DetectionRule
	for _, id := range c.ruleOrder {
		if r := c.rules[id]; r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

func copySignature(s core.ThreatSignature) core.ThreatSignature {
	s.Indicators = append([]string(nil), s.Indicators...)
	s.Tactics = append([]string(nil), s.Tactics...)
	return s
}

// AddSignature validates and adds a signature
func (c *Catalog) AddSignature(sig core.ThreatSignature) error {
	if err := sig.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.signatures[sig.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSignature, sig.ID)
	}
	c.signatures[sig.ID] = copySignature(sig)
	c.sigOrder = append(c.sigOrder, sig.ID)
	c.logger.Infow("Signature added", "signature_id", sig.ID, "indicators", len(sig.Indicators))
	return nil
}

// UpdateSignature replaces an existing signature
func (c *Catalog) UpdateSignature(sig core.ThreatSignature) error {
	if err := sig.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.signatures[sig.ID]; !exists {
		return fmt.Errorf("%w: %s", ErrSignatureNotFound, sig.ID)
	}
	c.signatures[sig.ID] = copySignature(sig)
	return nil
}

// RemoveSignature deletes a signature
func (c *Catalog) RemoveSignature(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.signatures[id]; !exists {
		return fmt.Errorf("%w: %s", ErrSignatureNotFound, id)
	}
	delete(c.signatures, id)
	c.sigOrder = removeID(c.sigOrder, id)
	return nil
}

// Signature returns a signature by id
func (c *Catalog) Signature(id string) (core.ThreatSignature, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sig, exists := c.signatures[id]
	if !exists {
		return core.ThreatSignature{}, fmt.Errorf("%w: %s", ErrSignatureNotFound, id)
	}
	return copySignature(sig), nil
}

// Signatures returns all signatures in insertion order
func (c *Catalog) Signatures() []core.ThreatSignature {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]core.ThreatSignature, 0, len(c.sigOrder))
	for _, id := range c.sigOrder {
		out = append(out, copySignature(c.signatures[id]))
	}
	return out
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
