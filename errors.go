// Completion: 100% - Error handling complete, clear and helpful messages
package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"
)

// ErrorKind classifies why a relocation directory could not be produced,
// placed or loaded
type ErrorKind int

const (
	KindUnsupportedFixupKind ErrorKind = iota
	KindAddressOutOfRange
	KindBlockSizeOverflow
	KindOverlappingFixups
	KindMisalignedDirectory
	KindMissingRelocDirectory
	KindMalformedDirectory
	KindInvalidImage
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnsupportedFixupKind:
		return "unsupported fixup kind"
	case KindAddressOutOfRange:
		return "address out of range"
	case KindBlockSizeOverflow:
		return "block size overflow"
	case KindOverlappingFixups:
		return "overlapping fixups"
	case KindMisalignedDirectory:
		return "misaligned directory"
	case KindMissingRelocDirectory:
		return "missing relocation directory"
	case KindMalformedDirectory:
		return "malformed relocation directory"
	case KindInvalidImage:
		return "invalid image"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. A *RelocError matches the sentinel of its kind.
var (
	ErrUnsupportedFixupKind  = &RelocError{Kind: KindUnsupportedFixupKind}
	ErrAddressOutOfRange     = &RelocError{Kind: KindAddressOutOfRange}
	ErrBlockSizeOverflow     = &RelocError{Kind: KindBlockSizeOverflow}
	ErrOverlappingFixups     = &RelocError{Kind: KindOverlappingFixups}
	ErrMisalignedDirectory   = &RelocError{Kind: KindMisalignedDirectory}
	ErrMissingRelocDirectory = &RelocError{Kind: KindMissingRelocDirectory}
	ErrMalformedDirectory    = &RelocError{Kind: KindMalformedDirectory}
	ErrInvalidImage          = &RelocError{Kind: KindInvalidImage}
)

// ErrorContext provides additional context for an error
type ErrorContext struct {
	Source     string // file name or "line N" of the input that caused it
	Suggestion string // "Did you mean 'x'?"
	HelpText   string
}

// RelocError is a construction, placement or load error
type RelocError struct {
	Kind    ErrorKind
	Message string
	Fixup   *Fixup
	Context ErrorContext
}

func newRelocError(kind ErrorKind, format string, args ...any) *RelocError {
	return &RelocError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface
func (e *RelocError) Error() string {
	var sb strings.Builder
	if e.Context.Source != "" {
		sb.WriteString(e.Context.Source)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Kind.String())
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	return sb.String()
}

// Is makes errors.Is(err, ErrAddressOutOfRange) and friends work
func (e *RelocError) Is(target error) bool {
	t, ok := target.(*RelocError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// paint wraps s in the given attributes. Color is forced on when asked for,
// since the caller has already looked at NO_COLOR and the terminal.
func paint(useColor bool, s string, attrs ...color.Attribute) string {
	if !useColor {
		return s
	}
	c := color.New(attrs...)
	c.EnableColor()
	return c.Sprint(s)
}

// Format returns a nicely formatted error message with context
func (e *RelocError) Format(useColor bool) string {
	var sb strings.Builder

	sb.WriteString(paint(useColor, "error: ", color.Bold, color.FgRed))
	sb.WriteString(e.Kind.String())
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	sb.WriteString("\n")

	if e.Context.Source != "" {
		sb.WriteString(paint(useColor, "  --> "+e.Context.Source, color.Bold, color.FgBlue))
		sb.WriteString("\n")
	}

	if e.Fixup != nil {
		sb.WriteString("   fixup: ")
		sb.WriteString(e.Fixup.String())
		sb.WriteString("\n")
	}

	if e.Context.Suggestion != "" {
		sb.WriteString(paint(useColor, "   help: ", color.Bold, color.FgGreen))
		sb.WriteString(e.Context.Suggestion)
		sb.WriteString("\n")
	}

	if e.Context.HelpText != "" {
		sb.WriteString(paint(useColor, "   note: ", color.Bold, color.FgCyan))
		sb.WriteString(e.Context.HelpText)
		sb.WriteString("\n")
	}

	return sb.String()
}

// formatError renders any error for the terminal, using the rich form for
// relocation errors
func formatError(err error, useColor bool) string {
	var re *RelocError
	if errors.As(err, &re) {
		return re.Format(useColor)
	}
	return paint(useColor, "error:", color.Bold, color.FgRed) + " " + err.Error() + "\n"
}
