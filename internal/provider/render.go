package provider

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"broadcastd/internal/broadcast"
)

var placeholderRE = regexp.MustCompile(`{{\s*(\d+)\s*}}`)

// Placeholders returns the distinct numbered placeholders of body in ascending order.
func Placeholders(body string) []int {
	seen := map[int]bool{}
	var out []int
	for _, m := range placeholderRE.FindAllStringSubmatch(body, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// Resolve looks up the value for placeholder n: the template mapping first,
// then the "variable{n}" convention. Unknown values resolve to "".
func Resolve(t broadcast.Template, vars map[string]string, n int) string {
	key := "variable" + strconv.Itoa(n)
	if mapped, ok := t.Mappings[strconv.Itoa(n)]; ok && strings.TrimSpace(mapped) != "" {
		key = mapped
	}
	return vars[key]
}

// Params resolves every placeholder of the template body in ascending order.
func Params(t broadcast.Template, vars map[string]string) []string {
	nums := Placeholders(t.Body)
	out := make([]string, len(nums))
	for i, n := range nums {
		out[i] = Resolve(t, vars, n)
	}
	return out
}

// Render substitutes placeholders in the template body.
func Render(t broadcast.Template, vars map[string]string) string {
	return placeholderRE.ReplaceAllStringFunc(t.Body, func(m string) string {
		sub := placeholderRE.FindStringSubmatch(m)
		n, err := strconv.Atoi(sub[1])
		if err != nil {
			return m
		}
		return Resolve(t, vars, n)
	})
}
