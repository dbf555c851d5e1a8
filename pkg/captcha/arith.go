package captcha

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.starlark.net/starlark"
)

// The provider's captchas often render a small arithmetic problem, and the
// solving tiers answer with the expression itself ("7+5"), sometimes with
// the result appended ("7+5=12"). NormalizeAnswer reduces either form to
// the decimal result; answers without arithmetic pass through trimmed.

var arithmeticRe = regexp.MustCompile(`^[0-9+\-*/() ]+$`)

// NormalizeAnswer turns a raw solver answer into the string to submit.
func NormalizeAnswer(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("empty captcha answer")
	}

	// "7+5=12": trust the right-hand side when it is a plain number.
	if i := strings.LastIndex(s, "="); i >= 0 {
		rhs := strings.TrimSpace(s[i+1:])
		if _, err := strconv.Atoi(rhs); err == nil {
			return rhs, nil
		}
		s = strings.TrimSpace(s[:i])
	}

	if !arithmeticRe.MatchString(s) || !strings.ContainsAny(s, "+-*/") {
		return s, nil
	}

	n, err := evalArithmetic(s)
	if err != nil {
		return "", fmt.Errorf("evaluating captcha expression %q: %w", s, err)
	}
	return strconv.FormatInt(n, 10), nil
}

// evalArithmetic evaluates an arithmetic expression in a bare Starlark
// environment. Division yields a float; the result truncates toward zero,
// matching how the provider grades its own puzzles.
func evalArithmetic(expr string) (int64, error) {
	thread := &starlark.Thread{Name: "captcha"}
	v, err := starlark.Eval(thread, "answer.star", expr, nil)
	if err != nil {
		return 0, err
	}

	switch val := v.(type) {
	case starlark.Int:
		n, ok := val.Int64()
		if !ok {
			return 0, fmt.Errorf("result out of range")
		}
		return n, nil
	case starlark.Float:
		return int64(float64(val)), nil
	default:
		return 0, fmt.Errorf("expression evaluated to %s, not a number", v.Type())
	}
}
