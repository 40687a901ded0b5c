package packets

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// PacketEnv is the environment a filter expression is evaluated against
type PacketEnv struct {
	// Proto is the IP protocol number, 0 for non-IP frames
	Proto int    `expr:"proto"`
	Src   string `expr:"src"`
	Dst   string `expr:"dst"`
	Sport int    `expr:"sport"`
	Dport int    `expr:"dport"`
	Len   int    `expr:"len"`
	TCP   bool   `expr:"tcp"`
	UDP   bool   `expr:"udp"`
	IPv6  bool   `expr:"ipv6"`
}

// Filter is a compiled boolean expression over PacketEnv, for example
// `tcp && dport == 443` or `src == "10.0.0.1" && len > 100`
type Filter struct {
	source  string
	program *vm.Program
}

// CompileFilter compiles a filter expression. An empty expression yields a
// nil filter, which matches every packet.
func CompileFilter(source string) (*Filter, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, nil
	}

	program, err := expr.Compile(source, expr.Env(PacketEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile filter %q: %w", source, err)
	}
	return &Filter{source: source, program: program}, nil
}

// Match evaluates the filter. A nil filter matches everything.
func (f *Filter) Match(env PacketEnv) (bool, error) {
	if f == nil {
		return true, nil
	}
	result, err := expr.Run(f.program, env)
	if err != nil {
		return false, fmt.Errorf("filter %q: %w", f.source, err)
	}
	b, ok := result.(bool)
	return ok && b, nil
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.source
}
