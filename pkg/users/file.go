package users

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"unicode"
	"unicode/utf8"

	"github.com/marmos91/sirocco/pkg/wire"
)

// The on-disk user file is UTF-8 text, one user per line. The first
// character of a line selects the role ('@' admin, '#' regular), followed by
// the username, a colon, and the password until end of line. A '\' escapes
// the next character (letting usernames contain ':'), and lines starting
// with '!' are comments. Leading whitespace is trimmed; trailing whitespace
// is kept, since passwords may end with spaces.
//
// Example:
//
//	! Our admin Pedro, everybody loves him
//	@pedro:pedrito4321
//	#chi\:chi:super:secret:password
const (
	CommentPrefixChar = '!'
	AdminPrefixChar   = '@'
	RegularPrefixChar = '#'
	EscapeChar        = '\\'

	// MaxLineBytes is the largest accepted line, in bytes.
	MaxLineBytes = 4096

	maxNameBytes     = 255
	maxPasswordBytes = 255
)

// parseLine parses one trimmed line into a user. Returns ok=false for
// comment lines. col is the number of characters already consumed by
// whitespace trimming; error positions continue from it, counting
// characters the way the file format documents them (1-based after the
// offending character).
func parseLine(s string, line, col uint32) (name, password string, role Role, ok bool, lerr *LoadError) {
	rest := s
	roleChar, size := utf8.DecodeRuneInString(rest)
	if size == 0 {
		return "", "", 0, false, posError(LoadErrExpectedRoleCharGotEOF, line, col)
	}
	rest = rest[size:]
	col++

	switch roleChar {
	case CommentPrefixChar:
		return "", "", 0, false, nil
	case AdminPrefixChar:
		role = RoleAdmin
	case RegularPrefixChar:
		role = RoleRegular
	default:
		return "", "", 0, false, charError(line, col, roleChar)
	}

	nameBuf := make([]byte, 0, maxNameBytes)
	escapeNext := false
	for {
		c, size := utf8.DecodeRuneInString(rest)
		if size == 0 {
			return "", "", 0, false, posError(LoadErrExpectedColonGotEOF, line, col)
		}
		rest = rest[size:]
		col++

		if escapeNext || (c != EscapeChar && c != ':') {
			if len(nameBuf) >= maxNameBytes {
				return "", "", 0, false, posError(LoadErrUsernameTooLong, line, col)
			}
			nameBuf = utf8.AppendRune(nameBuf, c)
		}

		if escapeNext {
			escapeNext = false
		} else if c == EscapeChar {
			escapeNext = true
		} else if c == ':' {
			break
		}
	}

	if len(nameBuf) == 0 {
		return "", "", 0, false, posError(LoadErrEmptyUsername, line, col)
	}

	passBuf := make([]byte, 0, maxPasswordBytes)
	escapeNext = false
	for len(rest) > 0 {
		c, size := utf8.DecodeRuneInString(rest)
		rest = rest[size:]
		col++

		if escapeNext || c != EscapeChar {
			if len(passBuf) >= maxPasswordBytes {
				return "", "", 0, false, posError(LoadErrPasswordTooLong, line, col)
			}
			passBuf = utf8.AppendRune(passBuf, c)
		}

		if escapeNext {
			escapeNext = false
		} else if c == EscapeChar {
			escapeNext = true
		}
	}

	if len(passBuf) == 0 {
		return "", "", 0, false, posError(LoadErrEmptyPassword, line, col)
	}

	return string(nameBuf), string(passBuf), role, true, nil
}

// ParseUserSpec parses an inline user specification as given on the command
// line: the file-format line grammar, with the role character optional
// (defaulting to a regular user).
func ParseUserSpec(s string) (name, password string, role Role, err error) {
	if s == "" {
		return "", "", 0, fmt.Errorf("empty user specification")
	}
	first, _ := utf8.DecodeRuneInString(s)
	if first != AdminPrefixChar && first != RegularPrefixChar {
		s = string(RegularPrefixChar) + s
	}
	name, password, role, ok, lerr := parseLine(s, 0, 0)
	if lerr != nil {
		return "", "", 0, lerr
	}
	if !ok {
		return "", "", 0, fmt.Errorf("user specification cannot be a comment")
	}
	return name, password, role, nil
}

// Load reads users from r using the file grammar. It returns *LoadError on
// any failure, including LoadErrNoUsers when the input contains no user
// lines at all.
func Load(r io.Reader) (*Store, *LoadError) {
	store := NewStore()
	br := bufio.NewReader(r)

	var line uint32
	for {
		line++
		raw, readErr := readLimitedLine(br)
		if readErr != nil {
			if le, ok := readErr.(*LoadError); ok {
				le.Line = line
				return nil, le
			}
			return nil, &LoadError{Kind: LoadErrIO, IO: wire.KindOf(readErr)}
		}
		if raw == nil {
			break
		}

		if !utf8.Valid(raw) {
			at := 0
			for at < len(raw) {
				c, size := utf8.DecodeRune(raw[at:])
				if c == utf8.RuneError && size <= 1 {
					break
				}
				at += size
			}
			return nil, &LoadError{Kind: LoadErrInvalidUtf8, Line: line, ByteAt: uint64(at)}
		}

		s := string(raw)
		var col uint32
		for len(s) > 0 {
			c, size := utf8.DecodeRuneInString(s)
			if !unicode.IsSpace(c) {
				break
			}
			s = s[size:]
			col++
		}
		if s == "" {
			continue
		}

		name, password, role, ok, lerr := parseLine(s, line, col)
		if lerr != nil {
			return nil, lerr
		}
		if ok {
			store.InsertOrUpdate(name, password, role)
		}
	}

	if store.IsEmpty() {
		return nil, &LoadError{Kind: LoadErrNoUsers}
	}
	return store, nil
}

// readLimitedLine reads one line (LF or CRLF terminated, terminator
// stripped) up to MaxLineBytes. Returns nil at a clean EOF. Oversized lines
// fail with a LoadError whose Line field the caller fills in.
func readLimitedLine(br *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		b, err := br.ReadByte()
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
		if b == '\n' {
			if n := len(buf); n > 0 && buf[n-1] == '\r' {
				buf = buf[:n-1]
			}
			if buf == nil {
				buf = []byte{}
			}
			return buf, nil
		}
		if len(buf) >= MaxLineBytes {
			return nil, &LoadError{Kind: LoadErrLineTooLong, ByteAt: uint64(MaxLineBytes)}
		}
		buf = append(buf, b)
	}
}

// LoadFile loads users from the named file.
func LoadFile(path string) (*Store, *LoadError) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &LoadError{Kind: LoadErrIO, IO: wire.KindOf(err)}
	}
	defer f.Close()
	return Load(f)
}

// Save writes every user in the file grammar, one per line, escaping '\'
// and ':' in usernames. Passwords are written verbatim. Returns the number
// of users written.
func (s *Store) Save(w io.Writer) (uint64, error) {
	bw := bufio.NewWriter(w)
	var count uint64
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for name, cred := range sh.m {
			if count > 0 {
				if err := bw.WriteByte('\n'); err != nil {
					sh.mu.RUnlock()
					return count, err
				}
			}

			roleChar := byte(RegularPrefixChar)
			if cred.role == RoleAdmin {
				roleChar = byte(AdminPrefixChar)
			}
			if err := bw.WriteByte(roleChar); err != nil {
				sh.mu.RUnlock()
				return count, err
			}

			for i := 0; i < len(name); i++ {
				c := name[i]
				if c == '\\' || c == ':' {
					if err := bw.WriteByte('\\'); err != nil {
						sh.mu.RUnlock()
						return count, err
					}
				}
				if err := bw.WriteByte(c); err != nil {
					sh.mu.RUnlock()
					return count, err
				}
			}

			if err := bw.WriteByte(':'); err != nil {
				sh.mu.RUnlock()
				return count, err
			}
			if _, err := bw.WriteString(cred.password); err != nil {
				sh.mu.RUnlock()
				return count, err
			}
			count++
		}
		sh.mu.RUnlock()
	}
	return count, bw.Flush()
}

// SaveFile writes the store to the named file, truncating it.
func (s *Store) SaveFile(path string) (uint64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	count, err := s.Save(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return count, err
}

func posError(kind LoadErrorKind, line, col uint32) *LoadError {
	return &LoadError{Kind: kind, Line: line, Col: col}
}

func charError(line, col uint32, c rune) *LoadError {
	return &LoadError{Kind: LoadErrInvalidRoleChar, Line: line, Col: col, Char: c}
}
