package plugins

import (
	"errors"
	"fmt"
)

// ErrorKind classifies lifecycle failures.
type ErrorKind string

const (
	// Load failures.
	KindMissingManifest ErrorKind = "MISSING_MANIFEST"
	KindInvalidManifest ErrorKind = "INVALID_MANIFEST"
	KindMissingEntry    ErrorKind = "MISSING_ENTRY"
	KindOpenFailed      ErrorKind = "OPEN_FAILED"
	KindNoExtensionType ErrorKind = "NO_EXTENSION_TYPE"
	KindDuplicateName   ErrorKind = "DUPLICATE_NAME"
	KindInvalidConfig   ErrorKind = "INVALID_CONFIG"
	KindRegisterFailed  ErrorKind = "REGISTER_FAILED"

	// KindNotLoaded is returned by unload, reload, enable and disable.
	KindNotLoaded ErrorKind = "NOT_LOADED"
	// KindHookFailed is returned when an enable or disable hook refuses.
	KindHookFailed ErrorKind = "HOOK_FAILED"

	// Install failures.
	KindNoValidPackage   ErrorKind = "NO_VALID_PACKAGE"
	KindAlreadyExists    ErrorKind = "ALREADY_EXISTS"
	KindUnsafeArchive    ErrorKind = "UNSAFE_ARCHIVE"
	KindDependencyFailed ErrorKind = "DEPENDENCY_FAILED"
	KindOfficial         ErrorKind = "OFFICIAL_PLUGIN"
	KindIO               ErrorKind = "IO_ERROR"
)

// Op names the lifecycle operation that failed.
type Op string

const (
	OpLoad      Op = "load"
	OpUnload    Op = "unload"
	OpReload    Op = "reload"
	OpEnable    Op = "enable"
	OpDisable   Op = "disable"
	OpInstall   Op = "install"
	OpUninstall Op = "uninstall"
)

// Error is returned by every Runtime lifecycle method. Load, unload and
// install failures share this type and differ by Op.
type Error struct {
	Op      Op
	Kind    ErrorKind
	Plugin  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	prefix := string(e.Op) + " " + string(e.Kind)
	if e.Plugin != "" {
		prefix += " " + e.Plugin
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", prefix, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by Kind, and by Op when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Op == "" || t.Op == e.Op
}

func newError(op Op, kind ErrorKind, plugin, message string, err error) *Error {
	return &Error{Op: op, Kind: kind, Plugin: plugin, Message: message, Err: err}
}

// Sentinels for errors.Is.
var (
	ErrNotLoaded      = &Error{Kind: KindNotLoaded}
	ErrDuplicateName  = &Error{Kind: KindDuplicateName}
	ErrAlreadyExists  = &Error{Kind: KindAlreadyExists}
	ErrNoValidPackage = &Error{Kind: KindNoValidPackage}
)

// KindOf returns the kind of a lifecycle error, or "" for other errors.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
