package repository

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/Vusisean11/valiant/pkg/errors"
)

// ValidationError lists every problem found in a definition.
type ValidationError struct {
	Agent    string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("agent %q: %d problem(s): %s", e.Agent, len(e.Problems), strings.Join(e.Problems, "; "))
}

// Version is an immutable, validated snapshot of an agent definition.
// Turns pin the version they started with.
type Version struct {
	AgentID     string
	Number      int64
	PublishedAt time.Time
	Digest      string

	def          Definition
	graph        *Graph
	guidelines   map[string]*Guideline
	journeys     map[string]*Journey
	journeyOrder []string
	tools        map[string]*Tool
	producers    map[string][]string // output name -> tool ids
}

// Compile validates def and builds its relationship graph. Any problem is
// reported as a CONFIGURATION_ERROR wrapping a *ValidationError.
func Compile(def Definition) (*Version, error) {
	c := &compiler{def: cloneDefinition(def)}
	v := c.compile()
	if len(c.problems) > 0 {
		return nil, errors.New(errors.CodeConfiguration, "invalid agent definition", &ValidationError{
			Agent:    def.Agent,
			Problems: c.problems,
		}).WithContext("agent", def.Agent).WithContext("problems", len(c.problems))
	}
	return v, nil
}

// Graph returns the relationship graph.
func (v *Version) Graph() *Graph { return v.graph }

// Definition returns the source definition. Callers must not mutate it.
func (v *Version) Definition() *Definition { return &v.def }

// Guideline returns a guideline by id.
func (v *Version) Guideline(id string) (*Guideline, bool) {
	g, ok := v.guidelines[id]
	return g, ok
}

// Guidelines returns guidelines in declaration order.
func (v *Version) Guidelines() []Guideline { return v.def.Guidelines }

// Journey returns a journey by id.
func (v *Version) Journey(id string) (*Journey, bool) {
	j, ok := v.journeys[id]
	return j, ok
}

// Journeys returns journeys in declaration order.
func (v *Version) Journeys() []*Journey {
	out := make([]*Journey, 0, len(v.journeyOrder))
	for _, id := range v.journeyOrder {
		out = append(out, v.journeys[id])
	}
	return out
}

// Tool returns a tool by id.
func (v *Version) Tool(id string) (*Tool, bool) {
	t, ok := v.tools[id]
	return t, ok
}

// Producers returns the tools declaring output name.
func (v *Version) Producers(name string) []string { return v.producers[name] }

// Glossary returns the glossary in declaration order.
func (v *Version) Glossary() []GlossaryTerm { return v.def.Glossary }

// Variables returns declared context variables.
func (v *Version) Variables() []Variable { return v.def.Variables }

// Templates returns utterance templates in declaration order.
func (v *Version) Templates() []Template { return v.def.Templates }

type compiler struct {
	def      Definition
	problems []string
}

func (c *compiler) problem(format string, args ...any) {
	c.problems = append(c.problems, fmt.Sprintf(format, args...))
}

func (c *compiler) compile() *Version {
	def := c.def
	v := &Version{
		AgentID:    def.Agent,
		def:        def,
		graph:      newGraph(),
		guidelines: make(map[string]*Guideline),
		journeys:   make(map[string]*Journey),
		tools:      make(map[string]*Tool),
		producers:  make(map[string][]string),
	}
	if strings.TrimSpace(def.Agent) == "" {
		c.problem("agent id is required")
	}

	c.collectTools(v)
	c.collectGuidelines(v)
	c.collectJourneys(v)
	c.checkGuidelineRefs(v)
	c.collectRelationships(v)
	c.checkTemplates(v)
	c.checkVariables()

	v.graph.computeReachability()
	if cycle := v.graph.findCycle(); cycle != nil {
		c.problem("priority/dependency cycle: %s", strings.Join(cycle, " -> "))
	}
	c.checkExclusions(v)
	if cycle := toolCycle(v); cycle != nil {
		c.problem("tool data-dependency cycle: %s", strings.Join(cycle, " -> "))
	}

	if raw, err := json.Marshal(def); err == nil {
		v.Digest = fmt.Sprintf("%016x", xxhash.Sum64(raw))
	}
	return v
}

func validID(id string) bool {
	return strings.TrimSpace(id) != "" && !strings.Contains(id, StepSeparator)
}

func (c *compiler) collectTools(v *Version) {
	for i := range c.def.Tools {
		t := &c.def.Tools[i]
		if !validID(t.ID) {
			c.problem("tool #%d: invalid id %q", i, t.ID)
			continue
		}
		if _, dup := v.tools[t.ID]; dup {
			c.problem("tool %q: duplicate id", t.ID)
			continue
		}
		v.tools[t.ID] = t
		seen := map[string]bool{}
		for _, arg := range t.Arguments {
			if arg.Name == "" {
				c.problem("tool %q: argument name is required", t.ID)
			}
			if seen[arg.Name] {
				c.problem("tool %q: duplicate argument %q", t.ID, arg.Name)
			}
			seen[arg.Name] = true
			switch arg.Type {
			case "", "string", "number", "integer", "boolean", "object", "array":
			default:
				c.problem("tool %q: argument %q has unknown type %q", t.ID, arg.Name, arg.Type)
			}
		}
		for _, out := range t.Outputs {
			v.producers[out] = append(v.producers[out], t.ID)
		}
		if t.Timeout < 0 {
			c.problem("tool %q: negative timeout", t.ID)
		}
	}
	// Directives may reference journeys, so they are checked after journeys are known.
}

func (c *compiler) checkAttachments(owner string, atts []ToolAttachment, v *Version) {
	for _, a := range atts {
		if _, ok := v.tools[a.Tool]; !ok {
			c.problem("%s: unknown tool %q", owner, a.Tool)
		}
	}
}

func (c *compiler) collectGuidelines(v *Version) {
	for i := range c.def.Guidelines {
		g := &c.def.Guidelines[i]
		if !validID(g.ID) {
			c.problem("guideline #%d: invalid id %q", i, g.ID)
			continue
		}
		if _, dup := v.guidelines[g.ID]; dup {
			c.problem("guideline %q: duplicate id", g.ID)
			continue
		}
		if strings.TrimSpace(g.Condition) == "" {
			c.problem("guideline %q: condition is required", g.ID)
		}
		if strings.TrimSpace(g.Action) == "" {
			c.problem("guideline %q: action is required", g.ID)
		}
		c.checkAttachments(fmt.Sprintf("guideline %q", g.ID), g.Tools, v)
		v.guidelines[g.ID] = g
		v.graph.add(&Node{
			ID:        g.ID,
			Kind:      KindGuideline,
			Condition: g.Condition,
			Action:    g.Action,
			Tools:     g.Tools,
			Once:      g.Once,
			Journeys:  g.Journeys,
			Sustains:  g.Sustains,
		})
	}
}

func (c *compiler) collectJourneys(v *Version) {
	for i := range c.def.Journeys {
		j := &c.def.Journeys[i]
		if !validID(j.ID) {
			c.problem("journey #%d: invalid id %q", i, j.ID)
			continue
		}
		if _, dup := v.journeys[j.ID]; dup {
			c.problem("journey %q: duplicate id", j.ID)
			continue
		}
		if _, clash := v.guidelines[j.ID]; clash {
			c.problem("journey %q: id clashes with a guideline", j.ID)
			continue
		}
		if len(j.Activation) == 0 {
			c.problem("journey %q: at least one activation condition is required", j.ID)
		}
		if len(j.Steps) == 0 {
			c.problem("journey %q: has no steps", j.ID)
		}
		v.journeys[j.ID] = j
		v.journeyOrder = append(v.journeyOrder, j.ID)

		seen := map[string]bool{}
		for idx, s := range j.Steps {
			if !validID(s.ID) {
				c.problem("journey %q step #%d: invalid id %q", j.ID, idx, s.ID)
				continue
			}
			if seen[s.ID] {
				c.problem("journey %q: duplicate step %q", j.ID, s.ID)
				continue
			}
			seen[s.ID] = true
			if strings.TrimSpace(s.Action) == "" {
				c.problem("journey %q step %q: action is required", j.ID, s.ID)
			}
			c.checkAttachments(fmt.Sprintf("journey %q step %q", j.ID, s.ID), s.Tools, v)
			v.graph.add(&Node{
				ID:         StepNodeID(j.ID, s.ID),
				Kind:       KindStep,
				Condition:  s.Condition,
				Action:     s.Action,
				Tools:      s.Tools,
				JourneyID:  j.ID,
				StepID:     s.ID,
				StepIndex:  idx,
				Completion: s.Completion,
			})
		}
	}

	for _, t := range c.def.Tools {
		if t.Directive == nil {
			continue
		}
		switch t.Directive.Kind {
		case DirectiveSetMode:
			if t.Directive.Mode != "auto" && t.Directive.Mode != "manual" {
				c.problem("tool %q: set_mode directive needs mode auto or manual", t.ID)
			}
		case DirectiveRestartJourney:
			if t.Directive.Journey != "" {
				if _, ok := v.journeys[t.Directive.Journey]; !ok {
					c.problem("tool %q: restart_journey references unknown journey %q", t.ID, t.Directive.Journey)
				}
			}
		default:
			c.problem("tool %q: unknown directive kind %q", t.ID, t.Directive.Kind)
		}
	}
}

func (c *compiler) checkGuidelineRefs(v *Version) {
	for _, g := range c.def.Guidelines {
		for _, j := range g.Journeys {
			if _, ok := v.journeys[j]; !ok {
				c.problem("guideline %q: scoped to unknown journey %q", g.ID, j)
			}
		}
		for _, j := range g.Sustains {
			if _, ok := v.journeys[j]; !ok {
				c.problem("guideline %q: sustains unknown journey %q", g.ID, j)
			}
		}
	}
}

// expand resolves a relationship endpoint to node ids.
func (c *compiler) expand(v *Version, id string) ([]string, bool) {
	if _, ok := v.graph.nodes[id]; ok {
		return []string{id}, true
	}
	if j, ok := v.journeys[id]; ok {
		out := make([]string, 0, len(j.Steps))
		for _, s := range j.Steps {
			out = append(out, StepNodeID(j.ID, s.ID))
		}
		return out, true
	}
	return nil, false
}

func (c *compiler) collectRelationships(v *Version) {
	g := v.graph
	for i, r := range c.def.Relationships {
		from, okFrom := c.expand(v, r.From)
		to, okTo := c.expand(v, r.To)
		if !okFrom {
			c.problem("relationship #%d: unknown endpoint %q", i, r.From)
		}
		if !okTo {
			c.problem("relationship #%d: unknown endpoint %q", i, r.To)
		}
		if !okFrom || !okTo {
			continue
		}
		if r.From == r.To {
			c.problem("relationship #%d: %q relates to itself", i, r.From)
			continue
		}
		switch r.Type {
		case PrioritizedOver:
			for _, a := range from {
				for _, b := range to {
					if a != b {
						g.priority[a] = appendUnique(g.priority[a], b)
					}
				}
			}
		case DependsOn:
			for _, a := range from {
				g.depends[a] = append(g.depends[a], to)
			}
		case MutuallyExclusive:
			for _, a := range from {
				for _, b := range to {
					if a != b {
						g.exclusive[a] = appendUnique(g.exclusive[a], b)
						g.exclusive[b] = appendUnique(g.exclusive[b], a)
					}
				}
			}
		default:
			c.problem("relationship #%d: unknown type %q", i, r.Type)
		}
	}
	for id := range g.priority {
		g.Sort(g.priority[id])
	}
	for id := range g.exclusive {
		g.Sort(g.exclusive[id])
	}
}

func (c *compiler) checkExclusions(v *Version) {
	g := v.graph
	for _, a := range g.order {
		for _, b := range g.exclusive[a] {
			if g.Order(a) > g.Order(b) {
				continue // each pair once
			}
			if !g.Outranks(a, b) && !g.Outranks(b, a) {
				c.problem("mutually exclusive pair %q and %q has no priority path", a, b)
			}
		}
	}
}

func (c *compiler) checkTemplates(v *Version) {
	seen := map[string]bool{}
	for i, t := range c.def.Templates {
		if t.ID == "" {
			c.problem("template #%d: id is required", i)
			continue
		}
		if seen[t.ID] {
			c.problem("template %q: duplicate id", t.ID)
		}
		seen[t.ID] = true
		if strings.TrimSpace(t.Text) == "" {
			c.problem("template %q: text is required", t.ID)
		}
		if len(t.Guidelines) == 0 && strings.TrimSpace(t.Condition) == "" {
			c.problem("template %q: needs guidelines or a condition", t.ID)
		}
		for _, gid := range t.Guidelines {
			if _, ok := v.graph.nodes[gid]; !ok {
				c.problem("template %q: unknown guideline %q", t.ID, gid)
			}
		}
	}
}

func (c *compiler) checkVariables() {
	seen := map[string]bool{}
	for i, vr := range c.def.Variables {
		if vr.Name == "" {
			c.problem("variable #%d: name is required", i)
			continue
		}
		if seen[vr.Name] {
			c.problem("variable %q: duplicate name", vr.Name)
		}
		seen[vr.Name] = true
		switch vr.Scope {
		case "", ScopeCustomer, ScopeSession:
		default:
			c.problem("variable %q: unknown scope %q", vr.Name, vr.Scope)
		}
	}
}

// toolCycle finds a cycle where a tool consumes, directly or transitively,
// its own output.
func toolCycle(v *Version) []string {
	ids := make([]string, 0, len(v.def.Tools))
	for _, t := range v.def.Tools {
		if _, ok := v.tools[t.ID]; ok {
			ids = append(ids, t.ID)
		}
	}
	deps := func(id string) []string {
		var out []string
		for _, in := range v.tools[id].Inputs {
			out = append(out, v.producers[in]...)
		}
		return out
	}

	state := map[string]int{}
	var path []string
	var visit func(string) []string
	visit = func(id string) []string {
		state[id] = 1
		path = append(path, id)
		for _, d := range deps(id) {
			switch state[d] {
			case 1:
				for i, p := range path {
					if p == d {
						return append(append([]string(nil), path[i:]...), d)
					}
				}
			case 0:
				if c := visit(d); c != nil {
					return c
				}
			}
		}
		path = path[:len(path)-1]
		state[id] = 2
		return nil
	}
	for _, id := range ids {
		if state[id] == 0 {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// cloneDefinition copies the slices a Version indexes into, so later
// mutation of the caller's definition cannot reach a published version.
func cloneDefinition(def Definition) Definition {
	out := def
	out.Guidelines = append([]Guideline(nil), def.Guidelines...)
	out.Journeys = make([]Journey, len(def.Journeys))
	for i, j := range def.Journeys {
		j.Steps = append([]Step(nil), j.Steps...)
		j.Activation = append([]string(nil), j.Activation...)
		j.Exit = append([]string(nil), j.Exit...)
		out.Journeys[i] = j
	}
	if def.Journeys == nil {
		out.Journeys = nil
	}
	out.Tools = append([]Tool(nil), def.Tools...)
	out.Relationships = append([]Relationship(nil), def.Relationships...)
	out.Glossary = append([]GlossaryTerm(nil), def.Glossary...)
	out.Variables = append([]Variable(nil), def.Variables...)
	out.Templates = append([]Template(nil), def.Templates...)
	return out
}

func appendUnique(list []string, s string) []string {
	for _, x := range list {
		if x == s {
			return list
		}
	}
	return append(list, s)
}
