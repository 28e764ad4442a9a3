// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package factory

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	tokenExpr   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	paramExpr   = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)=(\S+)$`)
	settingExpr = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*=\s*(\S*)$`)
)

// OutputClassesPlaceholder in a parameter value is replaced by the number of output classes.
const OutputClassesPlaceholder = "(o)"

// ConfigError is a configuration error: a syntax error, an unknown layer token, a missing or malformed
// parameter, an unresolved named connection or a missing setting.
type ConfigError struct {
	// Line number in the configuration, starting at 1. It is 0 for errors not related to a line.
	Line int

	Message string
}

// Error implements error.
func (e *ConfigError) Error() string {
	if e.Line <= 0 {
		return "configuration: " + e.Message
	}
	return fmt.Sprintf("configuration line %d: %s", e.Line, e.Message)
}

func configErrorf(line int, format string, args ...any) error {
	return errors.WithStack(&ConfigError{Line: line, Message: fmt.Sprintf(format, args...)})
}

// Declaration of a layer in the configuration: a line "?<token> key=value ...".
type Declaration struct {
	// Line number in the configuration, starting at 1.
	Line int

	// Token is the layer type, lower-cased.
	Token string

	// Name of the node, from the reserved parameter "name". If empty, the graph generates one.
	Name string

	// Inputs are the references to the connections ("node", "node:port" or "node:port_name") used as inputs,
	// from the reserved parameter "input" (comma-separated). If empty, the input is the primary output of the
	// most recently added node.
	Inputs []string

	// Params holds the other parameters, not yet substituted (see Params.WithOutputClasses).
	Params Params

	// err holds a malformed declaration error, reported only when the declaration is used.
	err error
}

// String implements fmt.Stringer, in the configuration format.
func (d Declaration) String() string {
	parts := []string{"?" + d.Token}
	if d.Name != "" {
		parts = append(parts, "name="+d.Name)
	}
	if len(d.Inputs) > 0 {
		parts = append(parts, "input="+strings.Join(d.Inputs, ","))
	}
	for _, key := range d.Params.Keys() {
		parts = append(parts, key+"="+d.Params.values[key])
	}
	return strings.Join(parts, " ")
}

// setting is a "key=value" line.
type setting struct {
	line  int
	value string
}

// config is the tokenized configuration.
type config struct {
	declarations []Declaration
	settings     map[string]setting
}

// parse tokenizes the configuration. Blank lines and lines starting with "#" are ignored.
//
// Malformed declarations don't fail the parsing: their error is kept in the Declaration, so the
// declarations before them remain usable. Lines that are neither a declaration nor a setting, and
// repeated settings, are errors.
func parse(r io.Reader) (*config, error) {
	cfg := &config{settings: make(map[string]setting)}
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "?") {
			cfg.declarations = append(cfg.declarations, parseDeclaration(lineNum, line[1:]))
			continue
		}
		parsed := settingExpr.FindStringSubmatch(line)
		if parsed == nil {
			return nil, configErrorf(lineNum, "invalid line %q: expected a layer declaration \"?<type> key=value ...\" or a setting \"key=value\"", line)
		}
		key := strings.ToLower(parsed[1])
		if previous, found := cfg.settings[key]; found {
			return nil, configErrorf(lineNum, "setting %q already given in line %d", key, previous.line)
		}
		cfg.settings[key] = setting{line: lineNum, value: parsed[2]}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read configuration")
	}
	return cfg, nil
}

func parseDeclaration(lineNum int, line string) Declaration {
	fields := strings.Fields(line)
	decl := Declaration{Line: lineNum, Params: Params{line: lineNum, values: make(map[string]string), used: make(map[string]bool)}}
	if len(fields) == 0 || !tokenExpr.MatchString(fields[0]) {
		decl.err = configErrorf(lineNum, "invalid layer type in declaration %q", "?"+line)
		return decl
	}
	decl.Token = strings.ToLower(fields[0])
	for _, field := range fields[1:] {
		parsed := paramExpr.FindStringSubmatch(field)
		if parsed == nil {
			decl.err = configErrorf(lineNum, "bad format for parameter %q of %q: expected key=value", field, decl.Token)
			return decl
		}
		key, value := strings.ToLower(parsed[1]), parsed[2]
		switch key {
		case "name":
			decl.Name = value
		case "input":
			decl.Inputs = strings.Split(value, ",")
		default:
			if _, found := decl.Params.values[key]; found {
				decl.err = configErrorf(lineNum, "duplicate parameter %q of %q", key, decl.Token)
				return decl
			}
			decl.Params.values[key] = value
		}
	}
	return decl
}

// Params of a layer declaration, with typed getters.
//
// Getters record which parameters were used, so unknown parameters can be reported (see Params.Unused).
type Params struct {
	line   int
	values map[string]string
	used   map[string]bool
}

// Line of the declaration, starting at 1.
func (p *Params) Line() int { return p.line }

// WithOutputClasses returns a copy of the parameters with OutputClassesPlaceholder replaced by the
// number of output classes.
//
// The copy has its own (empty) record of used parameters, shared by further copies of it.
func (p Params) WithOutputClasses(classes int) Params {
	values := make(map[string]string, len(p.values))
	for key, value := range p.values {
		values[key] = strings.ReplaceAll(value, OutputClassesPlaceholder, strconv.Itoa(classes))
	}
	return Params{line: p.line, values: values, used: make(map[string]bool)}
}

// Keys returns the parameter names, sorted.
func (p *Params) Keys() []string {
	keys := make([]string, 0, len(p.values))
	for key := range p.values {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

func (p *Params) markUsed(key string) {
	if p.used == nil {
		p.used = make(map[string]bool)
	}
	p.used[key] = true
}

// Has returns whether the parameter was given.
func (p *Params) Has(key string) bool {
	_, found := p.values[key]
	return found
}

// String returns the raw value of the parameter, or an error if it is missing.
func (p *Params) String(key string) (string, error) {
	p.markUsed(key)
	value, found := p.values[key]
	if !found {
		return "", configErrorf(p.line, "missing required parameter %q", key)
	}
	return value, nil
}

// Int returns the parameter parsed as an integer.
func (p *Params) Int(key string) (int, error) {
	value, err := p.String(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.ReplaceAll(value, "_", ""))
	if err != nil {
		return 0, configErrorf(p.line, "parameter %s=%q is not an integer", key, value)
	}
	return n, nil
}

// IntOr returns the parameter parsed as an integer, or defaultValue if it is missing.
func (p *Params) IntOr(key string, defaultValue int) (int, error) {
	if !p.Has(key) {
		p.markUsed(key)
		return defaultValue, nil
	}
	return p.Int(key)
}

// Size returns the parameter parsed as "<x>x<y>" or "<n>" (same size on both axes). Values must be positive.
func (p *Params) Size(key string) (x, y int, err error) {
	return p.parseSize(key, 1)
}

// NonNegativeSize is like Size, but accepts 0 on either axis. Used for borders.
func (p *Params) NonNegativeSize(key string) (x, y int, err error) {
	return p.parseSize(key, 0)
}

func (p *Params) parseSize(key string, minValue int) (x, y int, err error) {
	value, err := p.String(key)
	if err != nil {
		return 0, 0, err
	}
	xStr, yStr, found := strings.Cut(strings.ToLower(value), "x")
	if !found {
		yStr = xStr
	}
	x, errX := strconv.Atoi(xStr)
	y, errY := strconv.Atoi(yStr)
	if errX != nil || errY != nil {
		return 0, 0, configErrorf(p.line, "parameter %s=%q is not a size like \"3x3\" or \"3\"", key, value)
	}
	if x < minValue || y < minValue {
		return 0, 0, configErrorf(p.line, "parameter %s=%q must be >= %d on both axes", key, value, minValue)
	}
	return x, y, nil
}

// SizeOr is like Size, but returns (defaultX, defaultY) if the parameter is missing.
func (p *Params) SizeOr(key string, defaultX, defaultY int) (x, y int, err error) {
	if !p.Has(key) {
		p.markUsed(key)
		return defaultX, defaultY, nil
	}
	return p.Size(key)
}

// Unused returns an error listing the parameters given but never read by the layer constructor.
func (p *Params) Unused(token string) error {
	var unused []string
	for _, key := range p.Keys() {
		if !p.used[key] {
			unused = append(unused, key)
		}
	}
	if len(unused) > 0 {
		return configErrorf(p.line, "unknown parameter(s) %v for layer type %q", unused, token)
	}
	return nil
}
