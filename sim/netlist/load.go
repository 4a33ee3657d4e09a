// Package netlist reads netlists from disk.
//
// Two formats are supported. The text format is a pair of files: a component
// file with one `<kind> <id> [args...]` line per component, and a connection
// file whose first line is a header followed by one
// `<src> <srcPort> <dst> <dstPort>` line per connection. A `cost=<float>`
// argument on a component line sets its estimated cost. Blank lines and lines
// starting with '#' are ignored in both files.
//
// The YAML format holds both lists in one document and is parsed strictly:
// unknown keys are rejected.
package netlist

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/netlist-sim/distsim/sim"
)

const costPrefix = "cost="

// LoadText parses a netlist from a component reader and a connection reader.
func LoadText(components, connections io.Reader) (*sim.Netlist, error) {
	n := sim.NewNetlist()
	err := scanLines(components, func(line int, fields []string) error {
		decl, err := parseDeclaration(fields)
		if err != nil {
			return err
		}
		if n.Has(decl.ID) {
			return fmt.Errorf("component %d declared twice", decl.ID)
		}
		n.AddComponent(decl)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("components: %w", err)
	}

	header := true
	err = scanLines(connections, func(line int, fields []string) error {
		if header {
			header = false
			return nil
		}
		c, err := parseConnection(fields)
		if err != nil {
			return err
		}
		n.AddConnection(c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connections: %w", err)
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return n, nil
}

// LoadFiles reads the text format from the two given paths.
func LoadFiles(componentsPath, connectionsPath string) (*sim.Netlist, error) {
	comps, err := os.Open(componentsPath)
	if err != nil {
		return nil, fmt.Errorf("reading netlist: %w", err)
	}
	defer comps.Close()
	conns, err := os.Open(connectionsPath)
	if err != nil {
		return nil, fmt.Errorf("reading netlist: %w", err)
	}
	defer conns.Close()
	n, err := LoadText(comps, conns)
	if err != nil {
		return nil, fmt.Errorf("parsing netlist %s, %s: %w", componentsPath, connectionsPath, err)
	}
	return n, nil
}

type yamlNetlist struct {
	Components  []sim.Declaration `yaml:"components"`
	Connections []sim.Connection  `yaml:"connections"`
}

// LoadYAML parses the YAML format.
func LoadYAML(r io.Reader) (*sim.Netlist, error) {
	var doc yamlNetlist
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing netlist YAML: %w", err)
	}
	n := sim.NewNetlist()
	for i, d := range doc.Components {
		if d.ID <= sim.NoComponent {
			return nil, fmt.Errorf("components[%d]: id must be > 0, got %d", i, d.ID)
		}
		if d.Kind == "" {
			return nil, fmt.Errorf("components[%d]: kind is required", i)
		}
		if n.Has(d.ID) {
			return nil, fmt.Errorf("components[%d]: component %d declared twice", i, d.ID)
		}
		n.AddComponent(d)
	}
	for _, c := range doc.Connections {
		n.AddConnection(c)
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return n, nil
}

// LoadYAMLFile reads the YAML format from path.
func LoadYAMLFile(path string) (*sim.Netlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading netlist: %w", err)
	}
	return LoadYAML(bytes.NewReader(data))
}

func scanLines(r io.Reader, fn func(line int, fields []string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if err := fn(line, strings.Fields(text)); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	return sc.Err()
}

func parseDeclaration(fields []string) (sim.Declaration, error) {
	if len(fields) < 2 {
		return sim.Declaration{}, fmt.Errorf("want `<kind> <id> [args...]`, got %q", strings.Join(fields, " "))
	}
	id, err := parseID(fields[1])
	if err != nil {
		return sim.Declaration{}, err
	}
	decl := sim.Declaration{ID: id, Kind: fields[0]}
	for _, arg := range fields[2:] {
		if v, ok := strings.CutPrefix(arg, costPrefix); ok {
			cost, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return sim.Declaration{}, fmt.Errorf("component %d: bad cost %q", id, v)
			}
			decl.Cost = cost
			continue
		}
		decl.Args = append(decl.Args, arg)
	}
	return decl, nil
}

func parseConnection(fields []string) (sim.Connection, error) {
	if len(fields) != 4 {
		return sim.Connection{}, fmt.Errorf("want `<src> <srcPort> <dst> <dstPort>`, got %q", strings.Join(fields, " "))
	}
	src, err := parseID(fields[0])
	if err != nil {
		return sim.Connection{}, err
	}
	srcPort, err := strconv.Atoi(fields[1])
	if err != nil {
		return sim.Connection{}, fmt.Errorf("bad source port %q", fields[1])
	}
	dst, err := parseID(fields[2])
	if err != nil {
		return sim.Connection{}, err
	}
	dstPort, err := strconv.Atoi(fields[3])
	if err != nil {
		return sim.Connection{}, fmt.Errorf("bad destination port %q", fields[3])
	}
	return sim.Connection{Src: src, SrcPort: srcPort, Dst: dst, DstPort: dstPort}, nil
}

func parseID(s string) (sim.ComponentID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return sim.NoComponent, fmt.Errorf("component id must be a positive integer, got %q", s)
	}
	return sim.ComponentID(v), nil
}
