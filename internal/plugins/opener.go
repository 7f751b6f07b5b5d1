package plugins

import (
	"errors"
	"fmt"

	"github.com/haasonsaas/nekobot/pkg/pluginsdk"
)

// Opener maps an entry module into the process.
type Opener interface {
	Open(path string) (Symbols, error)
}

// Symbols resolves exported names of an opened entry module. Variables
// resolve to a pointer to the variable, functions to the function value.
type Symbols interface {
	Lookup(name string) (any, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(path string) (Symbols, error)

func (f OpenerFunc) Open(path string) (Symbols, error) { return f(path) }

// SymbolMap is an in-process Symbols table.
type SymbolMap map[string]any

func (m SymbolMap) Lookup(name string) (any, error) {
	sym, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("symbol %s not found", name)
	}
	return sym, nil
}

var errNoExtension = errors.New("entry exports neither NewPlugin nor Plugin")

// resolveEntry builds the plugin instance from exactly one of the factory or
// value symbols.
func resolveEntry(syms Symbols) (pluginsdk.Plugin, error) {
	factory, hasFactory := lookupOptional(syms, pluginsdk.FactorySymbol)
	value, hasValue := lookupOptional(syms, pluginsdk.ValueSymbol)

	switch {
	case hasFactory && hasValue:
		return nil, fmt.Errorf("entry exports both %s and %s", pluginsdk.FactorySymbol, pluginsdk.ValueSymbol)
	case !hasFactory && !hasValue:
		return nil, errNoExtension
	case hasFactory:
		var fn func() pluginsdk.Plugin
		switch v := factory.(type) {
		case func() pluginsdk.Plugin:
			fn = v
		case pluginsdk.Factory:
			fn = v
		case *pluginsdk.Factory:
			if v != nil {
				fn = *v
			}
		case *func() pluginsdk.Plugin:
			if v != nil {
				fn = *v
			}
		}
		if fn == nil {
			return nil, fmt.Errorf("%s has type %T, want func() pluginsdk.Plugin", pluginsdk.FactorySymbol, factory)
		}
		p := fn()
		if p == nil {
			return nil, fmt.Errorf("%s returned nil", pluginsdk.FactorySymbol)
		}
		return p, nil
	default:
		switch v := value.(type) {
		case *pluginsdk.Plugin:
			if v != nil && *v != nil {
				return *v, nil
			}
		case pluginsdk.Plugin:
			return v, nil
		}
		return nil, fmt.Errorf("%s has type %T, want pluginsdk.Plugin", pluginsdk.ValueSymbol, value)
	}
}

func lookupOptional(syms Symbols, name string) (any, bool) {
	sym, err := syms.Lookup(name)
	if err != nil || sym == nil {
		return nil, false
	}
	return sym, true
}
