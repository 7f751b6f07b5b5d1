//go:build !windows

package plugins

import (
	"fmt"
	"plugin"
)

// GoPluginOpener opens entry modules built with -buildmode=plugin.
//
// The Go runtime never unmaps a plugin. Opening the same path twice returns
// the module that is already mapped, so a reload re-runs registration on a
// fresh instance of the old code until the process restarts.
type GoPluginOpener struct{}

func (GoPluginOpener) Open(path string) (Symbols, error) {
	if path == "" {
		return nil, fmt.Errorf("plugin path is empty")
	}
	plug, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin %s: %w", path, err)
	}
	return goSymbols{plug: plug}, nil
}

type goSymbols struct {
	plug *plugin.Plugin
}

func (s goSymbols) Lookup(name string) (any, error) {
	sym, err := s.plug.Lookup(name)
	if err != nil {
		return nil, err
	}
	return sym, nil
}
