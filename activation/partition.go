package activation

import (
	"encoding/json"
	"unicode"
	"unicode/utf8"
)

// Partition splits the declared, serialized main arguments into
// environment variables and main-parameter fields, per the rule in
// spec.md §6: a key whose first rune is upper-case is an environment
// variable, every other key is a main-parameter field. The rule looks
// only at the key, never the value. Partition takes no separate set of
// declared env keys; a caller that wants to route further keys to env
// must merge them itself.
func Partition(args map[string]json.RawMessage) (env, params map[string]json.RawMessage) {
	env = make(map[string]json.RawMessage)
	params = make(map[string]json.RawMessage)

	for k, v := range args {
		if isUpperInitial(k) {
			env[k] = v
		} else {
			params[k] = v
		}
	}

	return env, params
}

func isUpperInitial(key string) bool {
	if key == "" {
		return false
	}

	r, _ := utf8.DecodeRuneInString(key)
	return unicode.IsUpper(r)
}
