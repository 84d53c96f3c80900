package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/acarl005/stripansi"

	"github.com/ethereum-optimism/infra/op-testhost/types"
)

const (
	RunDirectoryPrefix = "testrun-"
	HostsDirName       = "hosts"
	AllLogsFileName    = "all.log"
	ResultsFileName    = "results.jsonl"
	SummaryFileName    = "summary.log"
)

// ResultRecord is one line of the results journal.
type ResultRecord struct {
	Time        time.Time          `json:"time"`
	Sequence    uint64             `json:"sequence"`
	PartitionID string             `json:"partitionId"`
	HostID      string             `json:"hostId"`
	Discovered  []types.TestCase   `json:"discovered,omitempty"`
	Results     []types.TestResult `json:"results,omitempty"`
}

// RunLog writes everything one run produced into testrun-<id>/ under a base
// directory:
//
//	all.log          every worker log line, prefixed with its host
//	hosts/<id>.log   worker log lines per host
//	results.jsonl    partial results in arrival order
//	summary.log      the final summary
type RunLog struct {
	runID   string
	logDir  string
	hostDir string

	mu      sync.Mutex
	writers map[string]*AsyncFile
	closed  bool
}

// NewRunLog creates the run directory for runID.
func NewRunLog(baseDir, runID string) (*RunLog, error) {
	if runID == "" {
		return nil, fmt.Errorf("runID cannot be empty")
	}
	if baseDir == "" {
		return nil, fmt.Errorf("baseDir cannot be empty")
	}

	logDir := filepath.Join(baseDir, RunDirectoryPrefix+runID)
	hostDir := filepath.Join(logDir, HostsDirName)
	if err := os.MkdirAll(hostDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", hostDir, err)
	}

	return &RunLog{
		runID:   runID,
		logDir:  logDir,
		hostDir: hostDir,
		writers: make(map[string]*AsyncFile),
	}, nil
}

// Dir returns the run directory.
func (l *RunLog) Dir() string {
	return l.logDir
}

func (l *RunLog) RunID() string {
	return l.runID
}

// LogHostOutput appends a worker log line to the host's file and all.log.
// ANSI escape sequences are removed.
func (l *RunLog) LogHostOutput(hostID, level, text string) error {
	clean := strings.TrimRight(stripansi.Strip(text), "\n")
	if clean == "" {
		return nil
	}

	hostWriter, err := l.writer(filepath.Join(l.hostDir, SafeFilename(hostID)+".log"))
	if err != nil {
		return err
	}
	line := fmt.Sprintf("[%s] %s\n", level, clean)
	if err := hostWriter.Write([]byte(line)); err != nil {
		return err
	}

	allWriter, err := l.writer(filepath.Join(l.logDir, AllLogsFileName))
	if err != nil {
		return err
	}
	return allWriter.Write([]byte(fmt.Sprintf("%s %s", hostID, line)))
}

// LogResults appends one record to the results journal.
func (l *RunLog) LogResults(record ResultRecord) error {
	if record.Time.IsZero() {
		record.Time = time.Now()
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode result record: %w", err)
	}
	writer, err := l.writer(filepath.Join(l.logDir, ResultsFileName))
	if err != nil {
		return err
	}
	return writer.Write(append(data, '\n'))
}

// LogSummary writes the run summary.
func (l *RunLog) LogSummary(summary string) error {
	writer, err := l.writer(filepath.Join(l.logDir, SummaryFileName))
	if err != nil {
		return err
	}
	return writer.Write([]byte(summary))
}

// Close flushes and closes every file. Further writes fail.
func (l *RunLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	var errs []error
	for path, w := range l.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	l.writers = make(map[string]*AsyncFile)
	if len(errs) > 0 {
		return fmt.Errorf("failed to close run log: %v", errs)
	}
	return nil
}

func (l *RunLog) writer(path string) (*AsyncFile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, errAsyncFileClosed
	}
	if w, ok := l.writers[path]; ok {
		return w, nil
	}
	w, err := NewAsyncFile(path)
	if err != nil {
		return nil, err
	}
	l.writers[path] = w
	return w, nil
}

var filenameReplacer = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
	"\"", "_", "<", "_", ">", "_", "|", "_", " ", "_", "...", "",
)

// SafeFilename converts s into something usable as a file name.
func SafeFilename(s string) string {
	return filenameReplacer.Replace(s)
}
