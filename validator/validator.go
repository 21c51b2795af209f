// Package validator implements the static command-safety gate applied to
// every command before it reaches an execution unit. The gate is
// whitelist-plus-blacklist: the first token of every pipeline segment must
// be in the allow-set, and the entire raw string must not match any
// forbidden pattern. A blacklist match wins over whitelist success.
//
// The authoritative pass runs immediately before execution; any client-side
// pass is advisory only.
package validator

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/BaSui01/shellbox/types"
)

// shell control operators that separate pipeline segments.
var controlOperators = map[string]struct{}{
	"|": {}, "&&": {}, "||": {}, ";": {},
}

// Validator is the command safety gate. It is immutable after construction
// and safe for concurrent use.
type Validator struct {
	allowed   map[string]struct{}
	forbidden []compiledRule
	logger    *zap.Logger
}

type compiledRule struct {
	name string
	re   *regexp.Regexp
}

// Option customizes a Validator.
type Option func(*options)

type options struct {
	allowed   []string
	forbidden []forbiddenRule
	logger    *zap.Logger
}

// WithAllowedCommands replaces the default allow-set.
func WithAllowedCommands(commands []string) Option {
	return func(o *options) { o.allowed = commands }
}

// WithExtraForbidden appends blacklist rules to the defaults.
func WithExtraForbidden(name, pattern string) Option {
	return func(o *options) {
		o.forbidden = append(o.forbidden, forbiddenRule{Name: name, Pattern: pattern})
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New creates a Validator with the default rule sets, customized by opts.
// Forbidden patterns are compiled word-boundary-anchored and
// case-insensitive; a malformed pattern panics at construction time.
func New(opts ...Option) *Validator {
	o := &options{
		allowed:   DefaultAllowedCommands,
		forbidden: DefaultForbiddenRules,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}

	v := &Validator{
		allowed: make(map[string]struct{}, len(o.allowed)),
		logger:  o.logger.With(zap.String("component", "validator")),
	}
	for _, cmd := range o.allowed {
		v.allowed[cmd] = struct{}{}
	}
	for _, rule := range o.forbidden {
		v.forbidden = append(v.forbidden, compiledRule{
			name: rule.Name,
			re:   regexp.MustCompile(`(?i)` + rule.Pattern),
		})
	}
	return v
}

// Validate checks command against the blacklist and whitelist and returns
// the verdict. It never mutates state and runs identically on every
// boundary that accepts a command.
func (v *Validator) Validate(command string) types.ValidationResult {
	if strings.TrimSpace(command) == "" {
		return types.ValidationResult{
			Valid:  false,
			Rule:   "empty_command",
			Reason: "empty command",
		}
	}

	// Blacklist first: a forbidden pattern anywhere invalidates the whole
	// command even if every segment token looks benign.
	for _, rule := range v.forbidden {
		if rule.re.MatchString(command) {
			return types.ValidationResult{
				Valid:  false,
				Rule:   rule.name,
				Reason: fmt.Sprintf("command matches forbidden pattern %q", rule.name),
			}
		}
	}

	segments, err := splitOnOperators(command)
	if err != nil {
		return types.ValidationResult{
			Valid:  false,
			Rule:   "invalid_syntax",
			Reason: fmt.Sprintf("invalid command syntax: %v", err),
		}
	}

	for _, segment := range segments {
		if len(segment) == 0 {
			continue
		}
		head := segment[0]
		if _, ok := v.allowed[head]; !ok {
			return types.ValidationResult{
				Valid:  false,
				Rule:   "not_whitelisted",
				Reason: fmt.Sprintf("command %q is not in the whitelist", head),
			}
		}
	}

	return types.ValidationResult{Valid: true}
}

// Check runs Validate and converts a rejection into a typed error.
func (v *Validator) Check(command string) error {
	result := v.Validate(command)
	if result.Valid {
		return nil
	}
	v.logger.Warn("command rejected",
		zap.String("rule", result.Rule),
		zap.String("reason", result.Reason))
	return types.NewError(types.ErrValidationRejected, result.Reason).WithRule(result.Rule)
}

// AllowedCommands returns the sorted allow-set, for diagnostics.
func (v *Validator) AllowedCommands() []string {
	out := make([]string, 0, len(v.allowed))
	for cmd := range v.allowed {
		out = append(out, cmd)
	}
	sort.Strings(out)
	return out
}

// splitOnOperators tokenizes command and groups tokens into pipeline
// segments separated by |, &&, || and ;. Quoting binds word boundaries but
// is not preserved in the tokens, so a quoted operator argument such as
// grep '|' still splits and the command is rejected. Conservative on
// purpose: the gate must never under-split.
func splitOnOperators(command string) ([][]string, error) {
	tokens, err := shellquote.Split(command)
	if err != nil {
		return nil, err
	}

	var segments [][]string
	var current []string
	for _, token := range tokens {
		if _, ok := controlOperators[token]; ok {
			if len(current) > 0 {
				segments = append(segments, current)
				current = nil
			}
			continue
		}
		current = append(current, token)
	}
	if len(current) > 0 {
		segments = append(segments, current)
	}
	return segments, nil
}
