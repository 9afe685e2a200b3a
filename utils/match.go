package utils

import "strings"

// MatchRoute checks whether value ("METHOD /path" or a bare path) matches
// pattern and returns the captured ':name' parameters. Patterns may include:
//   - '*' matching one path segment, or everything below when it ends the pattern.
//   - ':name' matching one segment and capturing it under name.
//
// A pattern with a method requires the value to carry one; '*' as the method
// matches any method.
func MatchRoute(value, pattern string) (map[string]string, bool) {
	valMethod, valPath, valHasMethod := splitMethod(value)
	patMethod, patPath, patHasMethod := splitMethod(pattern)
	if patHasMethod {
		if !valHasMethod {
			return nil, false
		}
		if patMethod != "*" && !strings.EqualFold(patMethod, valMethod) {
			return nil, false
		}
	}
	return matchPath(valPath, patPath)
}

func splitMethod(s string) (method, path string, ok bool) {
	method, path, ok = strings.Cut(s, " ")
	if !ok {
		return "", s, false
	}
	return method, path, true
}

func matchPath(value, pattern string) (map[string]string, bool) {
	vs := segments(value)
	ps := segments(pattern)
	var params map[string]string
	for i, p := range ps {
		if p == "*" && i == len(ps)-1 {
			return params, len(vs) >= i
		}
		if i >= len(vs) {
			return nil, false
		}
		switch {
		case p == "*":
		case strings.HasPrefix(p, ":"):
			if params == nil {
				params = make(map[string]string)
			}
			params[p[1:]] = vs[i]
		case p != vs[i]:
			return nil, false
		}
	}
	if len(vs) != len(ps) {
		return nil, false
	}
	return params, true
}

func segments(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
