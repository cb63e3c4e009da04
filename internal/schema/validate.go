package schema

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/moolen/loom/internal/pathexpr"
)

// ValidationError is one schema validation failure. Suggestion, when set,
// names the closest declared candidate for an unresolved reference.
type ValidationError struct {
	Field      string `json:"field"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// ValidationWarning is an advisory that does not fail validation.
type ValidationWarning struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// InvalidError carries all accumulated validation errors and warnings.
type InvalidError struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

func (e *InvalidError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "schema validation failed with %d error(s)", len(e.Errors))
	for i, ve := range e.Errors {
		if i >= 3 {
			fmt.Fprintf(&b, "; ...")
			break
		}
		fmt.Fprintf(&b, "; %s: %s", ve.Field, ve.Message)
		if ve.Suggestion != "" {
			fmt.Fprintf(&b, " (did you mean %q?)", ve.Suggestion)
		}
	}
	return b.String()
}

var (
	labelRe    = regexp.MustCompile(`^[A-Z][A-Za-z0-9_]*$`)
	relTypeRe  = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)
	idRe       = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	providerRe = regexp.MustCompile(`^(ollama|openai):[A-Za-z0-9_-]+$`)
	propNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

	// Advisory denylist of PII-ish property name substrings.
	piiRe = regexp.MustCompile(`(?i)password|ssn|social_security|credit_card|bank_account|api_key|secret`)
)

var chunkStrategies = map[string]bool{
	ChunkByHeadings: true,
	ChunkByFields:   true,
	ChunkSentence:   true,
	ChunkParagraph:  true,
}

// KBIDValid reports whether a kb_id is well formed.
func KBIDValid(kbID string) bool {
	return len(kbID) <= 64 && idRe.MatchString(kbID)
}

// validator accumulates errors and warnings across all layers; it never stops
// at the first finding.
type validator struct {
	schema   *Schema
	errors   []ValidationError
	warnings []ValidationWarning
}

// Validate runs all validation layers over the schema: structural checks,
// cross-references, path syntax and advisories. The returned warnings are
// advisory even on success; the error, when non-nil, is an *InvalidError
// carrying everything that was found.
func (s *Schema) Validate() ([]ValidationWarning, error) {
	v := &validator{schema: s}

	v.structural()
	v.crossReferences()
	v.pathSyntax()
	v.advisories()

	if len(v.errors) > 0 {
		return v.warnings, &InvalidError{Errors: v.errors, Warnings: v.warnings}
	}
	return v.warnings, nil
}

func (v *validator) errorf(field, format string, args ...any) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) errorWithSuggestion(field, message, suggestion string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message, Suggestion: suggestion})
}

func (v *validator) warnf(field, format string, args ...any) {
	v.warnings = append(v.warnings, ValidationWarning{Field: field, Message: fmt.Sprintf(format, args...)})
}

// structural checks required fields, enums, integer ranges and identifier
// shapes.
func (v *validator) structural() {
	s := v.schema

	if s.Embedding.Provider == "" {
		v.errorf("embedding.provider", "provider is required")
	} else if !providerRe.MatchString(s.Embedding.Provider) {
		v.errorf("embedding.provider", "provider %q must match <family>:<model> with family ollama or openai", s.Embedding.Provider)
	}

	c := s.Embedding.Chunking
	if c.Strategy == "" {
		v.errorf("embedding.chunking.strategy", "strategy is required")
	} else if !chunkStrategies[c.Strategy] {
		v.errorf("embedding.chunking.strategy", "unknown strategy %q (one of by_headings, by_fields, sentence, paragraph)", c.Strategy)
	}
	if c.MaxTokens < 100 || c.MaxTokens > 8000 {
		v.errorf("embedding.chunking.max_tokens", "max_tokens %d out of range [100,8000]", c.MaxTokens)
	}
	if c.Overlap < 0 || c.Overlap > 500 {
		v.errorf("embedding.chunking.overlap", "overlap %d out of range [0,500]", c.Overlap)
	}
	if c.Strategy == ChunkByFields && len(c.Fields) == 0 {
		v.errorf("embedding.chunking.fields", "fields is required for strategy by_fields")
	}

	if len(s.Nodes) == 0 {
		v.errorf("nodes", "at least one node must be declared")
	}
	seenLabels := make(map[string]bool)
	for i, n := range s.Nodes {
		field := fmt.Sprintf("nodes[%d]", i)
		if n.Label == "" {
			v.errorf(field+".label", "label is required")
		} else if !labelRe.MatchString(n.Label) {
			v.errorf(field+".label", "label %q must match ^[A-Z][A-Za-z0-9_]*$", n.Label)
		} else if seenLabels[n.Label] {
			v.errorf(field+".label", "duplicate label %q", n.Label)
		}
		seenLabels[n.Label] = true

		if n.Key == "" {
			v.errorf(field+".key", "key is required")
		} else if !propNameRe.MatchString(n.Key) {
			v.errorf(field+".key", "key %q is not a valid property name", n.Key)
		}
		for j, p := range n.Props {
			if !propNameRe.MatchString(p) {
				v.errorf(fmt.Sprintf("%s.props[%d]", field, j), "property name %q is not a valid identifier", p)
			}
		}
	}

	for i, r := range s.Relationships {
		field := fmt.Sprintf("relationships[%d]", i)
		if r.Type == "" {
			v.errorf(field+".type", "type is required")
		} else if !relTypeRe.MatchString(r.Type) {
			v.errorf(field+".type", "type %q must match ^[A-Z_][A-Z0-9_]*$", r.Type)
		}
		if r.From == "" {
			v.errorf(field+".from", "from is required")
		}
		if r.To == "" {
			v.errorf(field+".to", "to is required")
		}
		for j, p := range r.Props {
			if !propNameRe.MatchString(p) {
				v.errorf(fmt.Sprintf("%s.props[%d]", field, j), "property name %q is not a valid identifier", p)
			}
		}
	}

	for i, m := range s.Mappings.Sources {
		field := fmt.Sprintf("mappings.sources[%d]", i)
		if m.SourceID == "" {
			v.errorf(field+".source_id", "source_id is required")
		} else if !idRe.MatchString(m.SourceID) {
			v.errorf(field+".source_id", "source_id %q must match ^[A-Za-z0-9_-]+$", m.SourceID)
		}
		if m.Extract.Node == "" {
			v.errorf(field+".extract.node", "extract.node is required")
		}
		if len(m.Extract.Assign) == 0 {
			v.errorf(field+".extract.assign", "extract.assign must not be empty")
		}
		for prop, path := range m.Extract.Assign {
			if !propNameRe.MatchString(prop) {
				v.errorf(field+".extract.assign", "property name %q is not a valid identifier", prop)
			}
			if !strings.HasPrefix(path, "$.") {
				v.errorf(fmt.Sprintf("%s.extract.assign.%s", field, prop), "path %q must start with $.", path)
			}
		}
		for j, e := range m.Edges {
			eField := fmt.Sprintf("%s.edges[%d]", field, j)
			if e.Type == "" {
				v.errorf(eField+".type", "type is required")
			}
			if e.From.Node == "" {
				v.errorf(eField+".from.node", "from.node is required")
			}
			if e.To.Node == "" {
				v.errorf(eField+".to.node", "to.node is required")
			}
			if e.From.Key == "" {
				v.errorf(eField+".from.key", "from.key is required")
			} else if !strings.HasPrefix(e.From.Key, "$.") {
				v.errorf(eField+".from.key", "path %q must start with $.", e.From.Key)
			}
			if e.To.Key == "" {
				v.errorf(eField+".to.key", "to.key is required")
			} else if !strings.HasPrefix(e.To.Key, "$.") {
				v.errorf(eField+".to.key", "path %q must start with $.", e.To.Key)
			}
			for prop, path := range e.To.Props {
				if !strings.HasPrefix(path, "$.") {
					v.errorf(fmt.Sprintf("%s.to.props.%s", eField, prop), "path %q must start with $.", path)
				}
			}
		}
	}
}

// crossReferences verifies that every label and relationship type reference
// resolves against the declarations, suggesting the closest candidate when it
// does not.
func (v *validator) crossReferences() {
	s := v.schema

	labels := s.Labels()
	relTypes := make([]string, 0, len(s.Relationships))
	for _, r := range s.Relationships {
		relTypes = append(relTypes, r.Type)
	}

	checkLabel := func(field, label string) {
		if label == "" {
			return // structural layer already reported it
		}
		if _, ok := s.NodeByLabel(label); !ok {
			v.errorWithSuggestion(field,
				fmt.Sprintf("label %q is not declared in nodes", label),
				closestCandidate(label, labels))
		}
	}

	for i, r := range s.Relationships {
		field := fmt.Sprintf("relationships[%d]", i)
		checkLabel(field+".from", r.From)
		checkLabel(field+".to", r.To)
	}

	for i, m := range s.Mappings.Sources {
		field := fmt.Sprintf("mappings.sources[%d]", i)
		checkLabel(field+".extract.node", m.Extract.Node)

		// The primary node's key property must be populated by assign.
		if node, ok := s.NodeByLabel(m.Extract.Node); ok {
			if _, assigned := m.Extract.Assign[node.Key]; !assigned {
				v.errorf(field+".extract.assign",
					"node %q key property %q is not assigned", node.Label, node.Key)
			}
		}

		for j, e := range m.Edges {
			eField := fmt.Sprintf("%s.edges[%d]", field, j)
			if e.Type != "" {
				if _, ok := s.RelByType(e.Type); !ok {
					v.errorWithSuggestion(eField+".type",
						fmt.Sprintf("relationship type %q is not declared", e.Type),
						closestCandidate(e.Type, relTypes))
				}
			}
			checkLabel(eField+".from.node", e.From.Node)
			checkLabel(eField+".to.node", e.To.Node)
		}
	}
}

// pathSyntax parses every path expression and probes it against an empty
// document; neither may fail.
func (v *validator) pathSyntax() {
	probe := map[string]any{}

	check := func(field, expr string) {
		if expr == "" || !strings.HasPrefix(expr, "$.") {
			return // structural layer already reported it
		}
		p, err := pathexpr.Parse(expr)
		if err != nil {
			v.errorf(field, "invalid path expression: %v", err)
			return
		}
		p.Evaluate(probe) // must not panic on an empty document
	}

	for i, m := range v.schema.Mappings.Sources {
		field := fmt.Sprintf("mappings.sources[%d]", i)
		for prop, path := range m.Extract.Assign {
			check(fmt.Sprintf("%s.extract.assign.%s", field, prop), path)
		}
		for j, e := range m.Edges {
			eField := fmt.Sprintf("%s.edges[%d]", field, j)
			check(eField+".from.key", e.From.Key)
			check(eField+".to.key", e.To.Key)
			for prop, path := range e.To.Props {
				check(fmt.Sprintf("%s.to.props.%s", eField, prop), path)
			}
		}
	}
}

// advisories emits warnings for PII-ish property names and for email-like
// properties that are not the node's key (identity resolution hint).
func (v *validator) advisories() {
	for i, n := range v.schema.Nodes {
		field := fmt.Sprintf("nodes[%d]", i)
		for j, p := range n.Props {
			if piiRe.MatchString(p) {
				v.warnf(fmt.Sprintf("%s.props[%d]", field, j),
					"property %q looks like PII; consider excluding it from the graph", p)
			}
			if strings.Contains(strings.ToLower(p), "email") && p != n.Key {
				v.warnf(fmt.Sprintf("%s.props[%d]", field, j),
					"property %q looks like an identity (email) but is not the key of %q; identity resolution may be inconsistent", p, n.Label)
			}
		}
	}
	for i, m := range v.schema.Mappings.Sources {
		for prop := range m.Extract.Assign {
			if piiRe.MatchString(prop) {
				v.warnf(fmt.Sprintf("mappings.sources[%d].extract.assign", i),
					"assigned property %q looks like PII; consider excluding it from the graph", prop)
			}
		}
	}
}

// closestCandidate returns the candidate with the smallest edit distance to
// name, or "" when nothing is close enough to be a plausible typo.
func closestCandidate(name string, candidates []string) string {
	best := ""
	bestDist := -1
	for _, c := range candidates {
		d := editDistance(strings.ToLower(name), strings.ToLower(c))
		if bestDist == -1 || d < bestDist {
			best, bestDist = c, d
		}
	}
	if best == "" {
		return ""
	}
	// Prefix relations ("Doc" vs "Document") are always plausible typos;
	// otherwise a suggestion further away than half the name is noise.
	ln, lb := strings.ToLower(name), strings.ToLower(best)
	if strings.HasPrefix(lb, ln) || strings.HasPrefix(ln, lb) {
		return best
	}
	if bestDist > (len(name)+1)/2+2 {
		return ""
	}
	return best
}

func editDistance(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
