package dockerfile

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/moby/buildkit/frontend/dockerfile/parser"
)

// Instruction is one parsed Dockerfile instruction.
type Instruction struct {
	// Command is the lower-case instruction keyword.
	Command string
	// Args holds the instruction arguments as written. ENV and LABEL
	// arguments are flattened into key, value pairs.
	Args     []string
	Flags    map[string]string
	JSON     bool
	Original string
	Line     int
}

// ReadFile reads and parses the Dockerfile at path.
func ReadFile(path string) ([]Instruction, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read Dockerfile: %w", err)
	}
	return Read(bytes.NewReader(content))
}

// Read parses Dockerfile content into instructions.
func Read(r io.Reader) ([]Instruction, error) {
	result, err := parser.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Dockerfile: %w", err)
	}

	var output []Instruction
	for _, child := range result.AST.Children {
		ins := Instruction{
			Command:  strings.ToLower(child.Value),
			Args:     nodeValues(child.Next),
			Flags:    readFlags(child.Flags),
			JSON:     child.Attributes["json"],
			Original: child.Original,
			Line:     child.StartLine,
		}

		switch ins.Command {
		case "env", "label":
			pairs, ok := keyValuePairs(ins.Args)
			if !ok {
				return nil, fmt.Errorf("the %s at %d is not complete", strings.ToUpper(ins.Command), ins.Line)
			}
			ins.Args = pairs
		case "add", "copy":
			if len(ins.Args) < 2 {
				return nil, fmt.Errorf("invalid %s %q: %d", strings.ToUpper(ins.Command), strings.Join(ins.Args, " "), ins.Line)
			}
		case "from":
			// FROM source | FROM source AS stage
			if len(ins.Args) != 1 && !(len(ins.Args) == 3 && strings.EqualFold(ins.Args[1], "as")) {
				return nil, fmt.Errorf("invalid FROM %q: %d", strings.Join(ins.Args, " "), ins.Line)
			}
		case "arg":
			for _, arg := range ins.Args {
				if name, _, _ := strings.Cut(arg, "="); name == "" {
					return nil, fmt.Errorf("arg at %d: empty name", ins.Line)
				}
			}
		case "user", "workdir":
			if len(ins.Args) != 1 {
				return nil, fmt.Errorf("invalid %s %q: %d", strings.ToUpper(ins.Command), strings.Join(ins.Args, " "), ins.Line)
			}
		}

		output = append(output, ins)
	}
	return output, nil
}

func nodeValues(current *parser.Node) []string {
	values := []string{}
	for current != nil {
		values = append(values, current.Value)
		current = current.Next
	}
	return values
}

// keyValuePairs normalises ENV and LABEL nodes. The parser emits
// key, value, separator triples; plain pairs are accepted as well.
func keyValuePairs(values []string) ([]string, bool) {
	if len(values)%3 == 0 && isTriples(values) {
		out := make([]string, 0, len(values)/3*2)
		for i := 0; i < len(values); i += 3 {
			out = append(out, values[i], values[i+1])
		}
		return out, true
	}
	if len(values)%2 != 0 {
		return nil, false
	}
	out := make([]string, 0, len(values))
	for i := 0; i < len(values); i += 2 {
		out = append(out, values[i], values[i+1])
	}
	return out, true
}

func isTriples(values []string) bool {
	for i := 2; i < len(values); i += 3 {
		if values[i] != "=" && values[i] != "" {
			return false
		}
	}
	return true
}

func readFlags(flags []string) map[string]string {
	out := map[string]string{}
	for _, flag := range flags {
		name, value, ok := strings.Cut(flag, "=")
		if !ok {
			out[name] = "true"
			continue
		}
		out[name] = value
	}
	return out
}
