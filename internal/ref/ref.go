// ABOUTME: Portable entity references that name a persisted row across contexts and restarts
// ABOUTME: Parses and formats coven-data:// URIs for durable and temporary identifiers

package ref

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Scheme is the URI scheme of every reference string.
const Scheme = "coven-data"

const schemePrefix = Scheme + "://"

// Collections known to the data layer.
const (
	CollectionUser         = "user"
	CollectionDevice       = "device"
	CollectionConversation = "conversation"
	CollectionMessage      = "message"
)

var collections = map[string]bool{
	CollectionUser:         true,
	CollectionDevice:       true,
	CollectionConversation: true,
	CollectionMessage:      true,
}

// ErrMalformed is matched by every ParseError.
var ErrMalformed = errors.New("malformed reference")

// ParseError reports a reference string that cannot be understood.
// It is distinct from "not found": the string itself is broken.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed reference %q: %s", e.Input, e.Reason)
}

// Is makes errors.Is(err, ErrMalformed) true for any ParseError.
func (e *ParseError) Is(target error) bool {
	return target == ErrMalformed
}

// Reference is a portable, comparable identifier of a row in one store scope.
// Durable references carry the row's primary key. Temporary references carry
// a UUID handed out before the row was first committed.
type Reference struct {
	scope      string
	collection string
	pk         int64
	temp       string
}

// Durable builds the reference of a committed row.
func Durable(scope, collection string, pk int64) Reference {
	return Reference{scope: scope, collection: collection, pk: pk}
}

// Temporary builds a fresh temporary reference for an object that has not
// been committed yet.
func Temporary(scope, collection string) Reference {
	return Reference{scope: scope, collection: collection, temp: uuid.New().String()}
}

// Parse decodes a reference string produced by Reference.String.
func Parse(s string) (Reference, error) {
	if !strings.HasPrefix(s, schemePrefix) {
		return Reference{}, &ParseError{Input: s, Reason: "missing " + Scheme + " scheme"}
	}
	parts := strings.Split(strings.TrimPrefix(s, schemePrefix), "/")
	if len(parts) != 3 {
		return Reference{}, &ParseError{Input: s, Reason: "expected scope/collection/id"}
	}
	scope, collection, id := parts[0], parts[1], parts[2]

	if _, err := uuid.Parse(scope); err != nil {
		return Reference{}, &ParseError{Input: s, Reason: "store scope is not a UUID"}
	}
	if !collections[collection] {
		return Reference{}, &ParseError{Input: s, Reason: "unknown collection " + strconv.Quote(collection)}
	}
	if len(id) < 2 {
		return Reference{}, &ParseError{Input: s, Reason: "empty identifier"}
	}

	switch id[0] {
	case 'p':
		pk, err := strconv.ParseInt(id[1:], 10, 64)
		if err != nil || pk <= 0 {
			return Reference{}, &ParseError{Input: s, Reason: "primary key must be a positive integer"}
		}
		return Durable(scope, collection, pk), nil
	case 't':
		if _, err := uuid.Parse(id[1:]); err != nil {
			return Reference{}, &ParseError{Input: s, Reason: "temporary identifier is not a UUID"}
		}
		return Reference{scope: scope, collection: collection, temp: id[1:]}, nil
	default:
		return Reference{}, &ParseError{Input: s, Reason: "identifier must start with 'p' or 't'"}
	}
}

// MustParse is Parse for references known to be well formed, e.g. in tests.
func MustParse(s string) Reference {
	r, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return r
}

// String formats the reference. The zero Reference formats as "".
func (r Reference) String() string {
	if r.IsZero() {
		return ""
	}
	if r.temp != "" {
		return fmt.Sprintf("%s%s/%s/t%s", schemePrefix, r.scope, r.collection, r.temp)
	}
	return fmt.Sprintf("%s%s/%s/p%d", schemePrefix, r.scope, r.collection, r.pk)
}

// IsZero reports whether r is the zero value (no entity).
func (r Reference) IsZero() bool {
	return r.collection == ""
}

// IsTemporary reports whether r names an object that was not committed
// when the reference was taken.
func (r Reference) IsTemporary() bool {
	return r.temp != ""
}

// Scope returns the store scope the reference belongs to.
func (r Reference) Scope() string { return r.scope }

// Collection returns the entity collection.
func (r Reference) Collection() string { return r.collection }

// PK returns the primary key of a durable reference, 0 for temporary ones.
func (r Reference) PK() int64 { return r.pk }

// TempID returns the temporary identifier, "" for durable references.
func (r Reference) TempID() string { return r.temp }

// MarshalText implements encoding.TextMarshaler so references can be
// embedded in JSON payloads.
func (r Reference) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Reference) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*r = Reference{}
		return nil
	}
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
