package gateway

import (
	"fmt"
	"strings"

	"github.com/ashureev/shsh-cloudlabs/internal/domain"
	"github.com/mattn/go-shellwords"
)

const (
	invocationPrefix = "aws"
	s3Scheme         = "s3://"
)

// booleanFlags never consume the following token as a value.
var booleanFlags = map[string]bool{
	"recursive":      true,
	"human-readable": true,
	"summarize":      true,
	"force":          true,
}

// ParsedCommand is a command line split into its dispatch target and arguments.
type ParsedCommand struct {
	Capability string
	Operation  string
	Args       Args
}

// Args holds the arguments following the dispatch target.
type Args struct {
	Positional []string
	Flags      map[string]string
}

// UsageError reports malformed command arguments.
type UsageError struct {
	Detail string
}

func (e *UsageError) Error() string { return e.Detail }

func (e *UsageError) Unwrap() error { return domain.ErrMalformedArguments }

func usagef(format string, args ...any) error {
	return &UsageError{Detail: fmt.Sprintf(format, args...)}
}

// Parse splits commandText into capability, operation and arguments. An
// optional leading invocation prefix is dropped. Words follow shell quoting
// rules; environment expansion, backticks and operators such as ; or | are
// not supported.
func Parse(commandText string) (ParsedCommand, error) {
	tokens, err := splitWords(commandText)
	if err != nil {
		return ParsedCommand{}, err
	}
	if len(tokens) > 0 && tokens[0] == invocationPrefix {
		tokens = tokens[1:]
	}
	if len(tokens) < 2 {
		return ParsedCommand{}, usagef("too few arguments, expected <service> <operation> [parameters]")
	}

	args := Args{Flags: make(map[string]string)}
	rest := tokens[2:]
	for i := 0; i < len(rest); i++ {
		tok := rest[i]
		if !strings.HasPrefix(tok, "--") {
			args.Positional = append(args.Positional, tok)
			continue
		}
		name := strings.TrimPrefix(tok, "--")
		if name == "" {
			return ParsedCommand{}, usagef("empty option name")
		}
		if k, v, ok := strings.Cut(name, "="); ok {
			args.Flags[k] = v
			continue
		}
		if booleanFlags[name] || i+1 >= len(rest) || strings.HasPrefix(rest[i+1], "--") {
			args.Flags[name] = "true"
			continue
		}
		args.Flags[name] = rest[i+1]
		i++
	}

	return ParsedCommand{
		Capability: strings.ToLower(tokens[0]),
		Operation:  strings.ToLower(tokens[1]),
		Args:       args,
	}, nil
}

func splitWords(commandText string) ([]string, error) {
	p := shellwords.NewParser()
	tokens, err := p.Parse(commandText)
	if err != nil {
		return nil, usagef("invalid command line: %v", err)
	}
	if p.Position > 0 {
		return nil, usagef("unsupported shell operator at position %d", p.Position)
	}
	return tokens, nil
}

// Flag returns the value of an option.
func (a Args) Flag(name string) (string, bool) {
	v, ok := a.Flags[name]
	return v, ok
}

// Bool reports whether a boolean option was set.
func (a Args) Bool(name string) bool {
	return a.Flags[name] == "true"
}

// Require returns the value of a mandatory option.
func (a Args) Require(name string) (string, error) {
	v, ok := a.Flags[name]
	if !ok || v == "" || v == "true" {
		return "", usagef("the following arguments are required: --%s", name)
	}
	return v, nil
}

// Arg returns the i-th positional argument, if present.
func (a Args) Arg(i int) (string, bool) {
	if i < 0 || i >= len(a.Positional) {
		return "", false
	}
	return a.Positional[i], true
}

// ParseS3URI splits s3://bucket/key into its parts.
func ParseS3URI(uri string) (bucket, key string, err error) {
	if !strings.HasPrefix(uri, s3Scheme) {
		return "", "", usagef("invalid S3 path %q, expected s3://bucket[/key]", uri)
	}
	bucket, key, _ = strings.Cut(strings.TrimPrefix(uri, s3Scheme), "/")
	if bucket == "" {
		return "", "", usagef("invalid S3 path %q, bucket name is empty", uri)
	}
	return bucket, key, nil
}
