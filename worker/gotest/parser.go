package gotest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-testhost/logging"
	"github.com/ethereum-optimism/infra/op-testhost/types"
)

// Actions emitted by test2json.
const (
	ActionStart  = "start"
	ActionRun    = "run"
	ActionPause  = "pause"
	ActionCont   = "cont"
	ActionPass   = "pass"
	ActionFail   = "fail"
	ActionSkip   = "skip"
	ActionOutput = "output"
)

const (
	maxLineBytes   = 4 * 1024 * 1024
	outputTailSize = 16 * 1024
)

// TestEvent is one line of `go test -json` output.
type TestEvent struct {
	Time    time.Time
	Action  string
	Package string
	Test    string
	Output  string
	Elapsed float64 // Seconds
}

// PackageResult is how the package as a whole ended.
type PackageResult struct {
	Status types.TestStatus
	// Output is the package-level output, e.g. build errors or a panic.
	Output   string
	Reported int
}

// parseTestListOutput extracts test names from `go test -list` output.
func parseTestListOutput(output []byte) []string {
	var testNames []string
	for _, line := range bytes.Split(output, []byte("\n")) {
		testName := string(bytes.TrimSpace(line))
		if isValidTestName(testName) {
			testNames = append(testNames, testName)
		}
	}
	return testNames
}

func isValidTestName(name string) bool {
	if name == "" || name == "ok" || strings.HasPrefix(name, "?") {
		return false
	}
	// "ok  	github.com/org/repo/pkg	0.335s"
	if strings.HasPrefix(name, "ok ") || strings.HasPrefix(name, "ok\t") {
		return false
	}
	return strings.HasPrefix(name, "Test")
}

// parseStream reads `go test -json` output for source and hands each
// top-level test result to emit as soon as it is known. Subtest output is
// folded into its parent. Lines that are not JSON are kept as package output.
func parseStream(r io.Reader, source string, emit func(types.TestResult) error) (PackageResult, error) {
	var (
		pkg     = PackageResult{Status: types.TestStatusPass}
		pkgOut  = logging.NewTailBuffer(outputTailSize)
		outputs = make(map[string]*logging.TailBuffer)
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev TestEvent
		if err := json.Unmarshal(line, &ev); err != nil || ev.Action == "" {
			_, _ = pkgOut.Write(append(line, '\n'))
			continue
		}

		if ev.Test == "" {
			switch ev.Action {
			case ActionOutput:
				_, _ = pkgOut.Write([]byte(ev.Output))
			case ActionFail:
				pkg.Status = types.TestStatusFail
			case ActionSkip:
				if pkg.Status != types.TestStatusFail {
					pkg.Status = types.TestStatusSkip
				}
			}
			continue
		}

		name := topLevel(ev.Test)
		switch ev.Action {
		case ActionOutput:
			buf, ok := outputs[name]
			if !ok {
				buf = logging.NewTailBuffer(outputTailSize)
				outputs[name] = buf
			}
			_, _ = buf.Write([]byte(ev.Output))
		case ActionPass, ActionFail, ActionSkip:
			if ev.Test != name {
				continue
			}
			result := types.TestResult{
				TestCase: types.TestCase{ID: testID(source, name), Name: name, Source: source},
				Status:   statusFor(ev.Action),
				Duration: time.Duration(ev.Elapsed * float64(time.Second)),
			}
			if buf, ok := outputs[name]; ok {
				if result.Status == types.TestStatusFail {
					result.Output = buf.String()
					result.ErrorMessage = lastMeaningfulLine(result.Output)
				}
				delete(outputs, name)
			}
			pkg.Reported++
			if err := emit(result); err != nil {
				return pkg, err
			}
		}
	}
	pkg.Output = pkgOut.String()
	if err := scanner.Err(); err != nil {
		return pkg, err
	}
	return pkg, nil
}

func statusFor(action string) types.TestStatus {
	switch action {
	case ActionFail:
		return types.TestStatusFail
	case ActionSkip:
		return types.TestStatusSkip
	default:
		return types.TestStatusPass
	}
}

func topLevel(test string) string {
	name, _, _ := strings.Cut(test, "/")
	return name
}

func testID(source, name string) string {
	return source + "::" + name
}

// lastMeaningfulLine picks the line most likely to explain a failure.
func lastMeaningfulLine(output string) string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || strings.HasPrefix(line, "--- FAIL") || strings.HasPrefix(line, "=== ") {
			continue
		}
		return line
	}
	return ""
}
