package main

import (
	"testing"
	"time"
)

func TestSplitSegments(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected [][]string
	}{
		{
			name:     "single stage",
			args:     []string{"/bin/echo", "hello"},
			expected: [][]string{{"/bin/echo", "hello"}},
		},
		{
			name:     "two stages",
			args:     []string{"/bin/cat", "--", "/usr/bin/grep", "x"},
			expected: [][]string{{"/bin/cat"}, {"/usr/bin/grep", "x"}},
		},
		{
			name:     "leading separator",
			args:     []string{"--", "/bin/echo", "hi"},
			expected: [][]string{{"/bin/echo", "hi"}},
		},
		{
			name:     "double separator dropped",
			args:     []string{"/bin/true", "--", "--", "/bin/false"},
			expected: [][]string{{"/bin/true"}, {"/bin/false"}},
		},
		{
			name:     "empty",
			args:     nil,
			expected: nil,
		},
		{
			name:     "only separators",
			args:     []string{"--", "--"},
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitSegments(tt.args)
			if len(got) != len(tt.expected) {
				t.Fatalf("Expected %d segments, got %d: %v", len(tt.expected), len(got), got)
			}
			for i, segment := range tt.expected {
				if len(got[i]) != len(segment) {
					t.Fatalf("Segment %d = %v, expected %v", i, got[i], segment)
				}
				for j, arg := range segment {
					if got[i][j] != arg {
						t.Errorf("Segment %d arg %d = %s, expected %s", i, j, got[i][j], arg)
					}
				}
			}
		})
	}
}

func TestBuildPipeline(t *testing.T) {
	segments := [][]string{
		{"/bin/cat", "/etc/hosts"},
		{"/usr/bin/grep", "localhost"},
	}

	p, err := buildPipeline(segments, 5*time.Second, []int{1})
	if err != nil {
		t.Fatalf("buildPipeline failed: %v", err)
	}

	if len(p.Stages) != 2 {
		t.Fatalf("Expected 2 stages, got %d", len(p.Stages))
	}
	if p.Stages[0].Program != "/bin/cat" {
		t.Errorf("First program = %s, expected /bin/cat", p.Stages[0].Program)
	}
	if p.Stages[1].Program != "/usr/bin/grep" {
		t.Errorf("Second program = %s, expected /usr/bin/grep", p.Stages[1].Program)
	}
	if p.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, expected 5s", p.Timeout)
	}
	if _, ok := p.AcceptedExitCodes[1]; !ok {
		t.Error("Exit code 1 should be accepted")
	}
}

func TestBuildPipeline_NoTimeout(t *testing.T) {
	p, err := buildPipeline([][]string{{"/bin/echo", "hi"}}, 0, nil)
	if err != nil {
		t.Fatalf("buildPipeline failed: %v", err)
	}
	if p.Timeout != 0 {
		t.Errorf("Timeout = %v, expected 0 (policy default)", p.Timeout)
	}
}

func TestBuildPipeline_InvalidStage(t *testing.T) {
	if _, err := buildPipeline([][]string{{"/bin/echo\x00"}}, 0, nil); err == nil {
		t.Error("Expected error for NUL byte in program")
	}
}
