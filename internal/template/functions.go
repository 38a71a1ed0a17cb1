package template

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

type function struct {
	// arity is the number of comma-separated arguments, or -1 when the
	// argument text is passed through whole.
	arity int
	call  func(args []string) (string, error)
}

// functions are the helpers usable as ${name(args)}. Names of wallets,
// schemas and connections must be unique per run, hence uuid and label.
var functions = map[string]function{
	"uuid":          {0, func([]string) (string, error) { return uuid.NewString(), nil }},
	"label":         {1, label},
	"timestamp":     {0, func([]string) (string, error) { return strconv.FormatInt(time.Now().Unix(), 10), nil }},
	"timestamp_ms":  {0, func([]string) (string, error) { return strconv.FormatInt(time.Now().UnixMilli(), 10), nil }},
	"random":        {2, randomInt},
	"random_string": {1, randomString},
	"date":          {-1, date},
	"base64":        {-1, func(a []string) (string, error) { return base64.StdEncoding.EncodeToString([]byte(a[0])), nil }},
}

// call evaluates expr when it is a known function call. ok is false when
// expr is not one.
func call(expr string) (result string, ok bool, err error) {
	open := strings.IndexByte(expr, '(')
	if open <= 0 || !strings.HasSuffix(expr, ")") {
		return "", false, nil
	}
	name, raw := expr[:open], expr[open+1:len(expr)-1]
	fn, known := functions[name]
	if !known {
		return "", false, nil
	}

	var args []string
	switch {
	case fn.arity < 0:
		args = []string{raw}
	case strings.TrimSpace(raw) == "":
	default:
		for _, a := range strings.Split(raw, ",") {
			args = append(args, strings.TrimSpace(a))
		}
	}
	if fn.arity >= 0 && len(args) != fn.arity {
		return "", true, fmt.Errorf("%s() takes %d argument(s), got %d", name, fn.arity, len(args))
	}

	result, err = fn.call(args)
	if err != nil {
		return "", true, fmt.Errorf("%s(): %w", name, err)
	}
	return result, true, nil
}

// label returns prefix followed by a short random suffix, e.g.
// label(schema) -> schema-9f1c2a7e.
func label(args []string) (string, error) {
	if args[0] == "" {
		return "", fmt.Errorf("empty prefix")
	}
	return args[0] + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8], nil
}

// randomInt returns an integer in [min, max].
func randomInt(args []string) (string, error) {
	lo, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid min value: %w", err)
	}
	hi, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid max value: %w", err)
	}
	if lo > hi {
		return "", fmt.Errorf("min (%d) must be <= max (%d)", lo, hi)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(hi-lo+1))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(lo+n.Int64(), 10), nil
}

func randomString(args []string) (string, error) {
	length, err := strconv.Atoi(args[0])
	if err != nil {
		return "", fmt.Errorf("invalid length: %w", err)
	}
	if length <= 0 || length > 1000 {
		return "", fmt.Errorf("length must be in 1..1000, got %d", length)
	}
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphanumeric))))
		if err != nil {
			return "", err
		}
		out[i] = alphanumeric[n.Int64()]
	}
	return string(out), nil
}

// date formats the current time with a Go layout, RFC 3339 by default.
func date(args []string) (string, error) {
	layout := strings.TrimSpace(args[0])
	if layout == "" {
		layout = time.RFC3339
	}
	return time.Now().Format(layout), nil
}
