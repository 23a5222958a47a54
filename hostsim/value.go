package hostsim

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/shadowtrace/trace"
)

var typeNames = map[string]trace.Type{
	"null":    trace.TypeNil,
	"sym":     trace.TypeSymbol,
	"pairs":   trace.TypePairList,
	"clos":    trace.TypeClosure,
	"env":     trace.TypeEnv,
	"lang":    trace.TypeLanguage,
	"special": trace.TypeSpecial,
	"builtin": trace.TypeBuiltin,
	"char":    trace.TypeChar,
	"lgl":     trace.TypeLogical,
	"int":     trace.TypeInt,
	"real":    trace.TypeReal,
	"cplx":    trace.TypeComplex,
	"str":     trace.TypeString,
	"dots":    trace.TypeDots,
	"any":     trace.TypeAny,
	"list":    trace.TypeList,
	"expr":    trace.TypeExpression,
	"bcode":   trace.TypeBytecode,
	"extptr":  trace.TypeExtPtr,
	"weakref": trace.TypeWeakRef,
	"raw":     trace.TypeRaw,
	"s4":      trace.TypeS4,
}

// parseAddr reads a decimal or 0x-prefixed address.
func parseAddr(s string) (uintptr, error) {
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address %q", s)
	}
	return uintptr(n), nil
}

func parseInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", s)
	}
	return n, nil
}

// parseValue reads a value description:
//
//	-               no value
//	int             a type without length
//	int[3]          a length-bearing value, true length equal to length
//	int[3/8]        length and true length
//	promise:0x40    a promise known to the runner
func (r *Runner) parseValue(s string) (trace.Value, error) {
	if s == "-" || s == "" {
		return nil, nil
	}
	if rest, ok := strings.CutPrefix(s, "promise:"); ok {
		p, err := r.promise(rest)
		if err != nil {
			return nil, err
		}
		return trace.PromiseValue{Promise: p}, nil
	}

	name, dims, sized := strings.Cut(s, "[")
	t, ok := typeNames[name]
	if !ok {
		return nil, fmt.Errorf("unknown type %q", name)
	}
	if !sized {
		return trace.Scalar{Type: t}, nil
	}

	dims, ok = strings.CutSuffix(dims, "]")
	if !ok {
		return nil, fmt.Errorf("unterminated length in %q", s)
	}
	lenStr, trueStr, hasTrue := strings.Cut(dims, "/")
	length, err := parseInt(lenStr)
	if err != nil {
		return nil, err
	}
	trueLen := length
	if hasTrue {
		if trueLen, err = parseInt(trueStr); err != nil {
			return nil, err
		}
	}
	return trace.Vector{Type: t, Length: length, TrueLength: trueLen}, nil
}
