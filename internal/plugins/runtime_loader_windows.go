//go:build windows

package plugins

import "errors"

// GoPluginOpener is unavailable on Windows.
type GoPluginOpener struct{}

func (GoPluginOpener) Open(path string) (Symbols, error) {
	return nil, errors.New("go plugins are not supported on windows")
}
