package artifact

import (
	"fmt"
	"strings"
)

const (
	optionPrefix = "option:"
	entityPrefix = "entity:"
)

// UID is a parsed artifact uid. Key is everything after the storage prefix:
// the option name, or "<type>:<id>" for entities.
type UID struct {
	Kind Kind
	Key  string
}

// OptionUID builds the uid of an option artifact.
func OptionUID(key string) string { return optionPrefix + key }

// EntityUID builds the uid of an entity artifact.
func EntityUID(t Type, id string) string { return entityPrefix + string(t) + ":" + id }

// ParseUID splits uid into its storage class and key.
func ParseUID(uid string) (UID, error) {
	switch {
	case strings.HasPrefix(uid, optionPrefix) && len(uid) > len(optionPrefix):
		return UID{Kind: KindOption, Key: uid[len(optionPrefix):]}, nil
	case strings.HasPrefix(uid, entityPrefix) && len(uid) > len(entityPrefix):
		return UID{Kind: KindEntity, Key: uid[len(entityPrefix):]}, nil
	default:
		return UID{}, fmt.Errorf("artifact: uid %q has no option: or entity: prefix", uid)
	}
}

// String reassembles the uid.
func (u UID) String() string {
	if u.Kind == KindOption {
		return optionPrefix + u.Key
	}
	return entityPrefix + u.Key
}
