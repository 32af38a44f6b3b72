package ratelimit

import (
	"fmt"
	"reflect"
)

// Scope is a predefined way of deriving the entity key from a request.
type Scope string

const (
	// ScopeUser limits per user. The context must implement UserIdentifier.
	ScopeUser Scope = "user"
	// ScopeChat limits per chat. The context must implement ChatIdentifier.
	ScopeChat Scope = "chat"
	// ScopeGlobal makes every request share one counter.
	ScopeGlobal Scope = "global"
)

// GlobalKey is the entity key used by ScopeGlobal.
const GlobalKey = "__global__"

// KeyFunc derives the entity key from a request context. Returning false (or
// an empty key) means the entity cannot be identified and is not limited.
type KeyFunc[C any] func(c C) (string, bool)

// UserIdentifier is implemented by request contexts that know their user.
type UserIdentifier interface {
	UserID() (string, bool)
}

// ChatIdentifier is implemented by request contexts that know their chat.
type ChatIdentifier interface {
	ChatID() (string, bool)
}

var (
	userIdentifierType = reflect.TypeOf((*UserIdentifier)(nil)).Elem()
	chatIdentifierType = reflect.TypeOf((*ChatIdentifier)(nil)).Elem()
)

// keyFuncForScope returns the key function for a predefined scope. Concrete
// context types are checked up front; interface context types are checked per
// request.
func keyFuncForScope[C any](scope Scope) (KeyFunc[C], error) {
	ctxType := reflect.TypeOf((*C)(nil)).Elem()

	switch scope {
	case ScopeUser:
		if !supports(ctxType, userIdentifierType) {
			return nil, fmt.Errorf("%w: scope %q needs %s to implement UserID() (string, bool)", ErrScopeUnsupported, scope, ctxType)
		}
		return func(c C) (string, bool) {
			u, ok := any(c).(UserIdentifier)
			if !ok {
				return "", false
			}
			return u.UserID()
		}, nil

	case ScopeChat:
		if !supports(ctxType, chatIdentifierType) {
			return nil, fmt.Errorf("%w: scope %q needs %s to implement ChatID() (string, bool)", ErrScopeUnsupported, scope, ctxType)
		}
		return func(c C) (string, bool) {
			ch, ok := any(c).(ChatIdentifier)
			if !ok {
				return "", false
			}
			return ch.ChatID()
		}, nil

	case ScopeGlobal:
		return func(C) (string, bool) {
			return GlobalKey, true
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown scope %q", ErrScopeUnsupported, scope)
	}
}

func supports(ctxType, iface reflect.Type) bool {
	return ctxType.Kind() == reflect.Interface || ctxType.Implements(iface)
}
