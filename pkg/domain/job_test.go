package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestJobStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		ok       bool
	}{
		{JobStatusQueued, JobStatusProcessing, true},
		{JobStatusQueued, JobStatusCompleted, false},
		{JobStatusQueued, JobStatusFailed, false},
		{JobStatusProcessing, JobStatusCompleted, true},
		{JobStatusProcessing, JobStatusFailed, true},
		{JobStatusProcessing, JobStatusQueued, false},
		{JobStatusCompleted, JobStatusFailed, false},
		{JobStatusCompleted, JobStatusProcessing, false},
		{JobStatusFailed, JobStatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := tt.from.ValidateTransition(tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestJobLifecycleKeepsInvariant(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	job := NewJob("job-1", ScanRequest{Content: "hi"}, now)
	require.NoError(t, job.Validate())

	require.NoError(t, job.Start(now.Add(time.Second)))
	require.NoError(t, job.Validate())
	assert.Equal(t, JobStatusProcessing, job.Status)

	require.NoError(t, job.Complete(ScanResult{IsSafe: true, Score: 100, Confidence: 0.9}, now.Add(2*time.Second)))
	require.NoError(t, job.Validate())
	require.NotNil(t, job.Result)
	assert.Equal(t, now.Add(2*time.Second), job.UpdatedAt)

	// terminal
	assert.Error(t, job.Fail(ErrorInfo{Kind: KindTimeout}, now))
	assert.Nil(t, job.Error)
}

func TestJobCloneIsDeep(t *testing.T) {
	req := ScanRequest{
		Content:    "x",
		CheckTypes: []CheckType{CheckPII},
		Config:     map[string]any{"nested": map[string]any{"k": "v"}},
	}
	job := NewJob("a", req, time.Now())
	require.NoError(t, job.Start(time.Now()))
	require.NoError(t, job.Complete(ScanResult{Flags: []Flag{{Type: "F"}}}, time.Now()))

	clone := job.Clone()
	clone.Request.Config["nested"].(map[string]any)["k"] = "changed"
	clone.Request.CheckTypes[0] = CheckToxicity
	clone.Result.Flags[0].Type = "G"

	assert.Equal(t, "v", job.Request.Config["nested"].(map[string]any)["k"])
	assert.Equal(t, CheckPII, job.Request.CheckTypes[0])
	assert.Equal(t, "F", job.Result.Flags[0].Type)
	// NewJob must not alias the caller's request either
	req.Config["nested"].(map[string]any)["k"] = "mutated"
	assert.Equal(t, "v", job.Request.Config["nested"].(map[string]any)["k"])
}

// Property: whatever sequence of transitions is attempted, the observed status
// history is a prefix of queued, processing, completed|failed.
func TestJobTransitionSequenceProperty(t *testing.T) {
	statuses := []JobStatus{JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed}

	rapid.Check(t, func(t *rapid.T) {
		job := NewJob("p", ScanRequest{Content: "c"}, time.Unix(0, 0))
		history := []JobStatus{job.Status}

		attempts := rapid.SliceOfN(rapid.SampledFrom(statuses), 0, 8).Draw(t, "attempts")
		for _, target := range attempts {
			var err error
			switch target {
			case JobStatusProcessing:
				err = job.Start(time.Unix(1, 0))
			case JobStatusCompleted:
				err = job.Complete(ScanResult{}, time.Unix(2, 0))
			case JobStatusFailed:
				err = job.Fail(ErrorInfo{Kind: KindInternal}, time.Unix(2, 0))
			default:
				err = job.Status.ValidateTransition(target)
			}
			if err == nil && history[len(history)-1] != job.Status {
				history = append(history, job.Status)
			}
			if verr := job.Validate(); verr != nil {
				t.Fatalf("invariant broken: %v", verr)
			}
		}

		if len(history) > 3 {
			t.Fatalf("too many transitions: %v", history)
		}
		if len(history) >= 2 && history[1] != JobStatusProcessing {
			t.Fatalf("second status must be processing, got %v", history)
		}
		if len(history) == 3 && !history[2].IsTerminal() {
			t.Fatalf("third status must be terminal, got %v", history)
		}
	})
}
