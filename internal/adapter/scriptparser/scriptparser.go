// Package scriptparser parses the STOS-family problem script DSL into a
// normalized domain.ProblemSpec.
package scriptparser

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/judgeworker/worker/internal/domain"
)

const (
	defaultTimeLimit   = 2 * time.Second
	defaultMemoryLimit = 256 << 20 // 256 MiB
)

// Parse parses script into a fully populated domain.ProblemSpec, or
// returns a domain.ErrScript-wrapped error if the script is malformed at
// the structural level. Parse is a pure function of (script, problemID):
// repeated calls on the same inputs yield equal ProblemSpecs and equal
// diagnostics. Diagnostics are non-fatal observations (a duplicate test
// index, an unrecognized command) the caller logs through its own
// observability.LogSink rather than a global logger.
func Parse(script, problemID string) (*domain.ProblemSpec, []string, error) {
	tests := map[int]*domain.TestSpec{}
	var order []int
	var aux []domain.AuxFile
	var diagnostics []string
	currentIdx := -1

	lineNo := 0
	scanner := bufio.NewScanner(strings.NewReader(script))
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields, err := shlex.Split(line)
		if err != nil || len(fields) == 0 {
			return nil, nil, fmt.Errorf("op=scriptparser.Parse: %w: line %d: %v", domain.ErrScript, lineNo, err)
		}
		cmd, args := strings.ToUpper(fields[0]), fields[1:]

		switch cmd {
		case "C", "CU", "CO":
			// Compilation directives: captured upstream, not part of the
			// normalized ProblemSpec.

		case "TST":
			idx, err := requireInt(args, lineNo, cmd)
			if err != nil {
				return nil, nil, err
			}
			if _, exists := tests[idx]; exists {
				diagnostics = append(diagnostics, fmt.Sprintf("line %d: duplicate test index %d, last occurrence wins", lineNo, idx))
			} else {
				order = append(order, idx)
			}
			tests[idx] = &domain.TestSpec{
				TestName:         strconv.Itoa(idx),
				TimeLimit:        defaultTimeLimit,
				TotalMemoryLimit: defaultMemoryLimit,
				Judge:            domain.JudgeConfig{Kind: domain.JudgeKindExact},
			}
			currentIdx = idx

		case "T":
			t, err := currentTest(tests, currentIdx, lineNo, cmd)
			if err != nil {
				return nil, nil, err
			}
			secs, err := requireFloat(args, lineNo, cmd)
			if err != nil {
				return nil, nil, err
			}
			t.TimeLimit = time.Duration(secs * float64(time.Second))

		case "TN":
			t, err := currentTest(tests, currentIdx, lineNo, cmd)
			if err != nil {
				return nil, nil, err
			}
			bytesLimit, err := requireInt(args, lineNo, cmd)
			if err != nil {
				return nil, nil, err
			}
			t.TotalMemoryLimit = int64(bytesLimit)

		case "J", "JN", "JUB", "JUN":
			t, err := currentTest(tests, currentIdx, lineNo, cmd)
			if err != nil {
				return nil, nil, err
			}
			kind := map[string]domain.JudgeKind{
				"J":   domain.JudgeKindExact,
				"JN":  domain.JudgeKindNumeric,
				"JUB": domain.JudgeKindUnorderedBytes,
				"JUN": domain.JudgeKindUnorderedNumeric,
			}[cmd]
			tol := 0.0
			if (cmd == "JN" || cmd == "JUN") && len(args) > 0 {
				v, err := requireFloat(args, lineNo, cmd)
				if err != nil {
					return nil, nil, err
				}
				tol = v
			}
			t.Judge = domain.JudgeConfig{Kind: kind, Tolerance: tol}

		case "AH", "ADDHDR":
			name, err := requireString(args, lineNo, cmd)
			if err != nil {
				return nil, nil, err
			}
			aux = append(aux, domain.AuxFile{Name: name, Header: true})

		case "AS", "ADDSRC":
			name, err := requireString(args, lineNo, cmd)
			if err != nil {
				return nil, nil, err
			}
			aux = append(aux, domain.AuxFile{Name: name, Header: false})

		default:
			diagnostics = append(diagnostics, fmt.Sprintf("line %d: unknown script command %q ignored", lineNo, fields[0]))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("op=scriptparser.Parse: %w: %v", domain.ErrScript, err)
	}

	sort.Ints(order)
	specTests := make([]domain.TestSpec, 0, len(order))
	for _, idx := range order {
		specTests = append(specTests, *tests[idx])
	}

	spec := &domain.ProblemSpec{ID: problemID, Tests: specTests, Aux: aux}
	if err := spec.Validate(); err != nil {
		return nil, nil, fmt.Errorf("op=scriptparser.Parse: %w: %v", domain.ErrScript, err)
	}
	return spec, diagnostics, nil
}

func currentTest(tests map[int]*domain.TestSpec, idx, lineNo int, cmd string) (*domain.TestSpec, error) {
	t, ok := tests[idx]
	if !ok {
		return nil, fmt.Errorf("op=scriptparser.Parse: %w: line %d: %s outside any TST block", domain.ErrScript, lineNo, cmd)
	}
	return t, nil
}

func requireString(args []string, lineNo int, cmd string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("op=scriptparser.Parse: %w: line %d: %s requires an argument", domain.ErrScript, lineNo, cmd)
	}
	return args[0], nil
}

func requireInt(args []string, lineNo int, cmd string) (int, error) {
	s, err := requireString(args, lineNo, cmd)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("op=scriptparser.Parse: %w: line %d: %s: malformed integer %q", domain.ErrScript, lineNo, cmd, s)
	}
	return n, nil
}

func requireFloat(args []string, lineNo int, cmd string) (float64, error) {
	s, err := requireString(args, lineNo, cmd)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("op=scriptparser.Parse: %w: line %d: %s: malformed number %q", domain.ErrScript, lineNo, cmd, s)
	}
	return f, nil
}
