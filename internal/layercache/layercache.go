// Package layercache predicts which image layers a rebuild can reuse.
//
// Every instruction gets a key chained from its parent's key and its own
// text. COPY and ADD from the build context additionally fold in the digest
// of the files they copy, so a changed context file invalidates that
// instruction and everything after it.
package layercache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"rebox/internal/dockerfile"
)

// Sources resolves the content digest of a set of context paths.
// *buildcontext.Digest satisfies it.
type Sources interface {
	Of(sources []string) string
}

// Key is the cache key of one instruction.
type Key struct {
	Index       int    `json:"index"`
	Line        int    `json:"line"`
	Instruction string `json:"instruction"`
	Key         string `json:"key"`
}

// Plan computes the chained cache keys of instructions. A nil ctx means
// context-dependent instructions hash their text only.
func Plan(instructions []dockerfile.Instruction, ctx Sources) []Key {
	keys := make([]Key, 0, len(instructions))
	parent := ""
	for i, ins := range instructions {
		h := sha256.New()
		io.WriteString(h, parent)
		io.WriteString(h, "\x00")
		io.WriteString(h, normalize(ins))

		if ctx != nil && readsContext(ins) {
			io.WriteString(h, "\x00")
			io.WriteString(h, ctx.Of(ins.Args[:len(ins.Args)-1]))
		}

		parent = hex.EncodeToString(h.Sum(nil))
		keys = append(keys, Key{
			Index:       i,
			Line:        ins.Line,
			Instruction: strings.ToUpper(ins.Command),
			Key:         parent,
		})
	}
	return keys
}

// FirstInvalidated returns the index of the first key of next that does not
// match prev, or -1 when every layer of next can be reused.
func FirstInvalidated(prev, next []Key) int {
	for i, k := range next {
		if i >= len(prev) || prev[i].Key != k.Key {
			return i
		}
	}
	return -1
}

// Report describes a rebuild in terms of reused and rebuilt layers.
type Report struct {
	Reused  int
	Rebuilt []Key
}

// Compare builds a Report for moving from prev to next.
func Compare(prev, next []Key) Report {
	first := FirstInvalidated(prev, next)
	if first < 0 {
		return Report{Reused: len(next)}
	}
	return Report{Reused: first, Rebuilt: next[first:]}
}

func (r Report) String() string {
	if len(r.Rebuilt) == 0 {
		return fmt.Sprintf("all %d layers cached", r.Reused)
	}
	first := r.Rebuilt[0]
	return fmt.Sprintf("%d layers cached, %d rebuilt from %s at line %d",
		r.Reused, len(r.Rebuilt), first.Instruction, first.Line)
}

func readsContext(ins dockerfile.Instruction) bool {
	if ins.Command != "copy" && ins.Command != "add" {
		return false
	}
	// --from copies from another stage or image
	if _, ok := ins.Flags["--from"]; ok {
		return false
	}
	return len(ins.Args) >= 2
}

// normalize folds whitespace so reformatting an instruction keeps its key.
func normalize(ins dockerfile.Instruction) string {
	var b strings.Builder
	b.WriteString(ins.Command)
	for _, name := range sortedFlags(ins.Flags) {
		fmt.Fprintf(&b, " %s=%s", name, ins.Flags[name])
	}
	for _, arg := range ins.Args {
		b.WriteString(" ")
		b.WriteString(arg)
	}
	if ins.JSON {
		b.WriteString(" json")
	}
	return b.String()
}

func sortedFlags(flags map[string]string) []string {
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
