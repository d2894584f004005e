package users

import (
	"fmt"
	"io"

	"github.com/marmos91/sirocco/pkg/wire"
)

// LoadErrorKind discriminates the ways loading a user file can fail.
type LoadErrorKind uint8

const (
	LoadErrIO                     LoadErrorKind = 1
	LoadErrInvalidUtf8            LoadErrorKind = 2
	LoadErrLineTooLong            LoadErrorKind = 3
	LoadErrExpectedRoleCharGotEOF LoadErrorKind = 4
	LoadErrInvalidRoleChar        LoadErrorKind = 5
	LoadErrExpectedColonGotEOF    LoadErrorKind = 6
	LoadErrEmptyUsername          LoadErrorKind = 7
	LoadErrUsernameTooLong        LoadErrorKind = 8
	LoadErrEmptyPassword          LoadErrorKind = 9
	LoadErrPasswordTooLong        LoadErrorKind = 10
	LoadErrNoUsers                LoadErrorKind = 11
)

// LoadError describes a user file that could not be loaded. The fields in
// use depend on Kind: IO carries the error kind, the UTF-8 and line-length
// variants carry a byte offset within the line, and the grammar variants
// carry a character column.
type LoadError struct {
	Kind   LoadErrorKind
	IO     wire.ErrKind
	Line   uint32
	ByteAt uint64
	Col    uint32
	Char   rune
}

func (e *LoadError) Error() string {
	switch e.Kind {
	case LoadErrIO:
		return fmt.Sprintf("IO error: %s", e.IO)
	case LoadErrInvalidUtf8:
		return fmt.Sprintf("invalid UTF-8 at line %d byte %d", e.Line, e.ByteAt)
	case LoadErrLineTooLong:
		return fmt.Sprintf("line %d is too long", e.Line)
	case LoadErrExpectedRoleCharGotEOF:
		return fmt.Sprintf("expected role char, got EOF at %d:%d", e.Line, e.Col)
	case LoadErrInvalidRoleChar:
		return fmt.Sprintf("expected role char ('%c' or '%c'), got %q at %d:%d", AdminPrefixChar, RegularPrefixChar, e.Char, e.Line, e.Col)
	case LoadErrExpectedColonGotEOF:
		return fmt.Sprintf("unexpected EOF (expected colon ':' after name) at %d:%d", e.Line, e.Col)
	case LoadErrEmptyUsername:
		return fmt.Sprintf("empty username field at %d:%d", e.Line, e.Col)
	case LoadErrUsernameTooLong:
		return fmt.Sprintf("username too long at %d:%d", e.Line, e.Col)
	case LoadErrEmptyPassword:
		return fmt.Sprintf("empty password field at %d:%d", e.Line, e.Col)
	case LoadErrPasswordTooLong:
		return fmt.Sprintf("password too long at %d:%d", e.Line, e.Col)
	case LoadErrNoUsers:
		return "no users"
	default:
		return "unknown user loading error"
	}
}

// Encode writes the error in the tagged wire form.
func (e *LoadError) Encode(w io.Writer) error {
	if err := wire.WriteU8(w, uint8(e.Kind)); err != nil {
		return err
	}
	switch e.Kind {
	case LoadErrIO:
		return e.IO.Encode(w)
	case LoadErrInvalidUtf8, LoadErrLineTooLong:
		if err := wire.WriteU32(w, e.Line); err != nil {
			return err
		}
		return wire.WriteU64(w, e.ByteAt)
	case LoadErrInvalidRoleChar:
		if err := wire.WriteU32(w, e.Line); err != nil {
			return err
		}
		if err := wire.WriteU32(w, e.Col); err != nil {
			return err
		}
		return wire.WriteChar(w, e.Char)
	case LoadErrExpectedRoleCharGotEOF, LoadErrExpectedColonGotEOF,
		LoadErrEmptyUsername, LoadErrUsernameTooLong,
		LoadErrEmptyPassword, LoadErrPasswordTooLong:
		if err := wire.WriteU32(w, e.Line); err != nil {
			return err
		}
		return wire.WriteU32(w, e.Col)
	case LoadErrNoUsers:
		return nil
	default:
		return wire.ErrInvalidData
	}
}

// ReadLoadError decodes a tagged LoadError.
func ReadLoadError(r io.Reader) (*LoadError, error) {
	tag, err := wire.ReadU8(r)
	if err != nil {
		return nil, err
	}

	e := &LoadError{Kind: LoadErrorKind(tag)}
	switch e.Kind {
	case LoadErrIO:
		e.IO, err = wire.ReadErrKind(r)
	case LoadErrInvalidUtf8, LoadErrLineTooLong:
		if e.Line, err = wire.ReadU32(r); err == nil {
			e.ByteAt, err = wire.ReadU64(r)
		}
	case LoadErrInvalidRoleChar:
		if e.Line, err = wire.ReadU32(r); err == nil {
			if e.Col, err = wire.ReadU32(r); err == nil {
				e.Char, err = wire.ReadChar(r)
			}
		}
	case LoadErrExpectedRoleCharGotEOF, LoadErrExpectedColonGotEOF,
		LoadErrEmptyUsername, LoadErrUsernameTooLong,
		LoadErrEmptyPassword, LoadErrPasswordTooLong:
		if e.Line, err = wire.ReadU32(r); err == nil {
			e.Col, err = wire.ReadU32(r)
		}
	case LoadErrNoUsers:
	default:
		return nil, wire.ErrInvalidData
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}
