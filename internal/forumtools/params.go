package forumtools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// warnUnknownParams returns a note listing argument keys the tool does not
// declare, or "" when there are none. The note is prepended to the output
// so the model learns the parameter was ignored.
func warnUnknownParams(args json.RawMessage, kind Kind) string {
	var m map[string]interface{}
	if err := json.Unmarshal(args, &m); err != nil {
		return ""
	}
	props, _ := kind.schema()["properties"].(map[string]interface{})
	var unknown []string
	for k := range m {
		if _, ok := props[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) == 0 {
		return ""
	}
	sort.Strings(unknown)
	var sb strings.Builder
	for _, k := range unknown {
		sb.WriteString(fmt.Sprintf("Unknown parameter '%s' was ignored\n", k))
	}
	return sb.String()
}
