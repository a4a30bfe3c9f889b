// Copyright 2025 James Ross
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Names of the four FIFO queues the core schedules work on. Workers
// subscribe to these exact strings.
const (
	BinaryRetrieval = "binary_retrieval"
	BinaryAnalysis  = "binary_analysis"
	BinaryCleanup   = "binary_cleanup"
	ResultDispatch  = "result_dispatch"
)

// Job is the substrate's unit of work: a function name plus its
// arguments, carried as the free-form Args map so handlers can decode
// whatever shape they need without the queue knowing about it.
type Job struct {
	ID           string         `json:"id"`
	Queue        string         `json:"queue"`
	FuncName     string         `json:"func_name"`
	Args         map[string]any `json:"args"`
	Meta         map[string]any `json:"meta"`
	DependsOn    string         `json:"depends_on,omitempty"`
	TimeoutMS    int64          `json:"timeout_ms,omitempty"`
	Retry        int            `json:"retry,omitempty"`
	CreationTime string         `json:"creation_time"`
}

// Timeout returns the configured per-job timeout, or zero if none was set.
func (j Job) Timeout() time.Duration {
	if j.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(j.TimeoutMS) * time.Millisecond
}

// NewJob creates a job with a fresh id and the current creation time.
func NewJob(queueName, funcName string, args map[string]any) Job {
	return Job{
		ID:           uuid.NewString(),
		Queue:        queueName,
		FuncName:     funcName,
		Args:         args,
		Meta:         map[string]any{},
		CreationTime: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func (j Job) Marshal() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func UnmarshalJob(s string) (Job, error) {
	var j Job
	err := json.Unmarshal([]byte(s), &j)
	return j, err
}

// ArgString, ArgInt64Slice and ArgStringSlice are small decode helpers
// since Args is a free-form map coming back from JSON (numbers decode
// as float64, not int64).
func (j Job) ArgString(key string) string {
	v, _ := j.Args[key].(string)
	return v
}

func (j Job) ArgInt64Slice(key string) []int64 {
	raw, ok := j.Args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(raw))
	for _, v := range raw {
		switch n := v.(type) {
		case float64:
			out = append(out, int64(n))
		case int64:
			out = append(out, n)
		}
	}
	return out
}

// ArgInt decodes an int-shaped argument, coercing the float64 that
// encoding/json produces for any JSON number.
func (j Job) ArgInt(key string) int {
	switch n := j.Args[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	default:
		return 0
	}
}

func (j Job) ArgStringSlice(key string) []string {
	raw, ok := j.Args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
