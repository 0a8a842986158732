package util

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseHostList expands a host expression such as
// "cpu[1-4,7].htc.example.org,gpu1.htc.example.org" into individual
// host names. A single bracket group per item is supported; numeric
// zero-padding inside the group is preserved.
func ParseHostList(hostStr string) ([]string, bool) {
	items, ok := splitOutsideBrackets(hostStr)
	if !ok {
		return nil, false
	}

	var hosts []string
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		open := strings.IndexByte(item, '[')
		if open < 0 {
			if strings.ContainsRune(item, ']') {
				return nil, false
			}
			hosts = append(hosts, item)
			continue
		}

		closing := strings.IndexByte(item, ']')
		if closing < open {
			return nil, false
		}

		prefix := item[:open]
		suffix := item[closing+1:]
		if strings.ContainsAny(suffix, "[]") {
			return nil, false
		}

		numbers, ok := expandRangeGroup(item[open+1 : closing])
		if !ok {
			return nil, false
		}
		for _, n := range numbers {
			hosts = append(hosts, prefix+n+suffix)
		}
	}
	return hosts, true
}

func splitOutsideBrackets(s string) ([]string, bool) {
	var items []string
	depth := 0
	start := 0
	for i, c := range s {
		switch c {
		case '[':
			depth++
			if depth > 1 {
				return nil, false
			}
		case ']':
			depth--
			if depth < 0 {
				return nil, false
			}
		case ',':
			if depth == 0 {
				items = append(items, s[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, false
	}
	items = append(items, s[start:])
	return items, true
}

func expandRangeGroup(group string) ([]string, bool) {
	var out []string
	for _, part := range strings.Split(group, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, false
		}

		bounds := strings.SplitN(part, "-", 2)
		lo, err := strconv.Atoi(bounds[0])
		if err != nil || lo < 0 {
			return nil, false
		}

		hi := lo
		if len(bounds) == 2 {
			hi, err = strconv.Atoi(bounds[1])
			if err != nil || hi < lo {
				return nil, false
			}
		}

		width := 0
		if strings.HasPrefix(bounds[0], "0") && len(bounds[0]) > 1 {
			width = len(bounds[0])
		}
		for n := lo; n <= hi; n++ {
			if width > 0 {
				out = append(out, fmt.Sprintf("%0*d", width, n))
			} else {
				out = append(out, strconv.Itoa(n))
			}
		}
	}
	return out, true
}
