package types

import (
	"fmt"
	"strings"
	"time"
)

// TestStatus represents the possible states of a test execution
type TestStatus string

const (
	TestStatusPass TestStatus = "pass"
	TestStatusFail TestStatus = "fail"
	TestStatusSkip TestStatus = "skip"
)

// TestCase identifies a single test within a source.
type TestCase struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Source string `json:"source"`
}

// FullName returns "source::name", the key used in logs and tables.
func (tc TestCase) FullName() string {
	if tc.Name == "" {
		return tc.Source
	}
	return fmt.Sprintf("%s::%s", tc.Source, tc.Name)
}

// TestResult captures the outcome of a single test run
type TestResult struct {
	TestCase     TestCase      `json:"testCase"`
	Status       TestStatus    `json:"status"`
	Duration     time.Duration `json:"duration"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	Output       string        `json:"output,omitempty"` // Tail of the test's output, kept for failures
}

// GetDisplayName returns a short name for a test suitable for tables.
// Sources that look like import paths are shortened to their last element.
func GetDisplayName(tc TestCase) string {
	if tc.Name != "" {
		return tc.Name
	}
	parts := strings.Split(tc.Source, "/")
	return parts[len(parts)-1] + " (source)"
}

// GroupTestCasesBySource groups test cases by source, preserving the order in
// which each source first appears.
func GroupTestCasesBySource(testCases []TestCase) (sources []string, groups map[string][]TestCase) {
	groups = make(map[string][]TestCase)
	for _, tc := range testCases {
		if _, ok := groups[tc.Source]; !ok {
			sources = append(sources, tc.Source)
		}
		groups[tc.Source] = append(groups[tc.Source], tc)
	}
	return sources, groups
}
