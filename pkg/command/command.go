// Package command parses bot commands out of pull request comments.
//
// A command is a single line of the form
//
//	bot: <verb> [<filter>:<value>]*
//
// A comment body may contain any number of command lines; each is parsed
// independently and returned in document order. Parsing never fails hard:
// malformed lines produce a ParseFailure carrying a diagnostic that can be
// echoed back to the comment author.
package command

import (
	"fmt"
	"regexp"
	"strings"
)

// Verb is the action requested by a bot command.
type Verb string

const (
	VerbBuild      Verb = "build"
	VerbDeploy     Verb = "deploy"
	VerbShowConfig Verb = "show_config"
	VerbHelp       Verb = "help"
	VerbStatus     Verb = "status"
)

var knownVerbs = map[Verb]bool{
	VerbBuild:      true,
	VerbDeploy:     true,
	VerbShowConfig: true,
	VerbHelp:       true,
	VerbStatus:     true,
}

// Filter components. Any prefix of at least three characters selects a
// component, so no two components may share a 3-character prefix.
const (
	ComponentAccelerator  = "accelerator"
	ComponentArchitecture = "architecture"
	ComponentExportVar    = "exportvariable"
	ComponentInstance     = "instance"
	ComponentJob          = "job"
	ComponentRepository   = "repository"
)

var filterComponents = []string{
	ComponentAccelerator,
	ComponentArchitecture,
	ComponentExportVar,
	ComponentInstance,
	ComponentJob,
	ComponentRepository,
}

// Filter restricts the contexts a command applies to. Pattern is a regular
// expression matched against the context value for Component.
type Filter struct {
	Component string
	Pattern   string
}

// Command is one parsed bot command line.
type Command struct {
	Verb    Verb
	Filters []Filter

	// Unrecognized holds well-formed key:value arguments whose key is not a
	// known filter component. They are kept verbatim for diagnostic echo and
	// have no effect on dispatch.
	Unrecognized []string

	// Raw is the command text after the "bot:" marker.
	Raw string
}

// ParseFailure describes a command line that could not be parsed.
type ParseFailure struct {
	Line       string
	Diagnostic string
}

var botLineRe = regexp.MustCompile(`^bot:\s*(.*)$`)

// ContainsCommand reports whether any line of body carries a bot command
// marker. Cheap pre-filter for incoming comment events.
func ContainsCommand(body string) bool {
	for _, line := range strings.Split(body, "\n") {
		if botLineRe.MatchString(strings.TrimSpace(line)) {
			return true
		}
	}
	return false
}

// Parse scans a comment body for bot command lines. Commands and failures
// are returned in document order; a comment with no command lines yields
// both slices empty.
func Parse(body string) ([]Command, []ParseFailure) {
	var cmds []Command
	var failures []ParseFailure
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		m := botLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		cmd, err := parseLine(strings.TrimSpace(m[1]))
		if err != nil {
			failures = append(failures, ParseFailure{Line: line, Diagnostic: err.Error()})
			continue
		}
		cmds = append(cmds, cmd)
	}
	return cmds, failures
}

func parseLine(raw string) (Command, error) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("empty command; use `bot: help` for usage information")
	}

	verb := Verb(fields[0])
	if !knownVerbs[verb] {
		return Command{}, fmt.Errorf("unknown command `%s`; use `bot: help` for usage information", fields[0])
	}

	cmd := Command{Verb: verb, Raw: raw}
	for _, arg := range fields[1:] {
		component, pattern, ok := strings.Cut(arg, ":")
		if !ok {
			return Command{}, fmt.Errorf("argument '%s' does not conform to format 'component:pattern'", arg)
		}
		if len(component) < 3 {
			return Command{}, fmt.Errorf("filter component '%s' is too short; must be 3 characters or longer", arg)
		}
		if pattern == "" {
			return Command{}, fmt.Errorf("pattern in filter string '%s' is empty", arg)
		}
		full := resolveComponent(component)
		if full == "" {
			cmd.Unrecognized = append(cmd.Unrecognized, arg)
			continue
		}
		cmd.Filters = append(cmd.Filters, Filter{Component: full, Pattern: normalizePattern(full, pattern)})
	}
	return cmd, nil
}

// resolveComponent expands a prefix of 3+ characters to the full component
// name, or returns "" if no component matches.
func resolveComponent(prefix string) string {
	for _, c := range filterComponents {
		if strings.HasPrefix(c, prefix) {
			return c
		}
	}
	return ""
}

// normalizePattern maps user-facing spellings onto the canonical context
// values: architecture values use '/' where comments often use '-', and
// accelerator values use '/' where comments use '='.
func normalizePattern(component, pattern string) string {
	switch component {
	case ComponentArchitecture:
		return strings.ReplaceAll(pattern, "-", "/")
	case ComponentAccelerator:
		return strings.ReplaceAll(pattern, "=", "/")
	}
	return pattern
}

// FilterValues returns the patterns of all filters for the given component,
// in the order they appeared. Useful for components that may repeat, such
// as exportvariable.
func (c Command) FilterValues(component string) []string {
	var vals []string
	for _, f := range c.Filters {
		if f.Component == component {
			vals = append(vals, f.Pattern)
		}
	}
	return vals
}

// FilterValue returns the effective pattern for a single-valued component.
// When the component was given more than once the last occurrence wins.
func (c Command) FilterValue(component string) (string, bool) {
	val := ""
	found := false
	for _, f := range c.Filters {
		if f.Component == component {
			val = f.Pattern
			found = true
		}
	}
	return val, found
}

// MatchContext reports whether every filter of the command matches the
// given context. A command with no filters matches any context. Context
// values for architecture and accelerator are normalized the same way
// filter patterns are.
func (c Command) MatchContext(context map[string]string) bool {
	for _, f := range c.Filters {
		if f.Component == ComponentExportVar {
			// exportvariable filters carry values into the job environment,
			// they do not restrict dispatch targets
			continue
		}
		value, ok := context[f.Component]
		if !ok {
			continue
		}
		value = normalizePattern(f.Component, value)
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			return false
		}
		if !re.MatchString(value) {
			return false
		}
	}
	return true
}

// String renders the command in canonical component:pattern form.
func (c Command) String() string {
	parts := []string{string(c.Verb)}
	for _, f := range c.Filters {
		parts = append(parts, f.Component+":"+f.Pattern)
	}
	parts = append(parts, c.Unrecognized...)
	return strings.Join(parts, " ")
}
