package hostsim

import "github.com/chazu/shadowtrace/trace"

// DefaultPrimitives is the start of the simulated host's primitive table.
// Eval codes follow the host: the last digit is 0 for specials and 1 for
// builtins, the hundreds digit controls visibility.
var DefaultPrimitives = []trace.Primitive{
	{Name: "if", Eval: 200},
	{Name: "while", Eval: 100},
	{Name: "for", Eval: 100},
	{Name: "repeat", Eval: 100},
	{Name: "break", Eval: 0},
	{Name: "next", Eval: 0},
	{Name: "return", Eval: 0},
	{Name: "function", Eval: 0},
	{Name: "<-", Eval: 100},
	{Name: "=", Eval: 100},
	{Name: "{", Eval: 200},
	{Name: "(", Eval: 1},
	{Name: ".Internal", Eval: 200},
	{Name: "+", Eval: 1},
	{Name: "-", Eval: 1},
	{Name: "*", Eval: 1},
	{Name: "/", Eval: 1},
	{Name: "==", Eval: 1},
	{Name: "<", Eval: 1},
	{Name: "c", Eval: 1},
	{Name: "length", Eval: 1},
	{Name: "list", Eval: 1},
	{Name: "quote", Eval: 0},
	{Name: "missing", Eval: 0},
	{Name: "on.exit", Eval: 100},
}

// Primitives returns the runner's primitive table: the defaults followed by
// any added by the script, in offset order.
func (r *Runner) Primitives() []trace.Primitive {
	return append(append([]trace.Primitive(nil), DefaultPrimitives...), r.extraPrims...)
}

// primitiveOffset returns the table index of name, or -1.
func (r *Runner) primitiveOffset(name string) int {
	for i, p := range r.Primitives() {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// primitive NAME EVAL appends an entry to the primitive table.
func (r *Runner) definePrimitive(args []string) error {
	eval, err := parseInt(args[1])
	if err != nil {
		return err
	}
	r.extraPrims = append(r.extraPrims, trace.Primitive{Name: args[0], Eval: eval})
	return nil
}
