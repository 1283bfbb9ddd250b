package registry

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"icdev/pkg/genome"
)

func TestPlanPipeline(t *testing.T) {
	res, err := PlanPipeline{}.Run(context.Background(), "/tmp/nowhere")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Passed || res.ComplianceBefore != 1.0 || res.ComplianceAfter != 1.0 {
		t.Fatalf("plan run must pass with unchanged compliance: %+v", res)
	}
}

func TestDetectPipelineFallsBack(t *testing.T) {
	if p := DetectPipeline("", nil, 0); p.Name() != "plan-only" {
		t.Fatalf("empty command must select plan pipeline, got %s", p.Name())
	}
	if p := DetectPipeline("definitely-not-installed-validation-suite", nil, 0); p.Name() != "plan-only" {
		t.Fatalf("missing command must select plan pipeline, got %s", p.Name())
	}
}

func TestExecPipelineVerdicts(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not installed")
	}
	workspace := t.TempDir()

	p := &ExecPipeline{
		Command: "sh",
		Args:    []string{"-c", `echo '{"passed":true,"compliance_before":0.8,"compliance_after":0.9}'`},
		Timeout: 5 * time.Second,
	}
	res, err := p.Run(context.Background(), workspace)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Passed || res.ComplianceAfter != 0.9 {
		t.Fatalf("verdict mismatch: %+v", res)
	}

	// Non-zero exit with a verdict on stdout is a failed run, not an
	// infrastructure error.
	p.Args = []string{"-c", `echo '{"passed":false,"failure_reason":"scan found issues"}'; exit 1`}
	res, err = p.Run(context.Background(), workspace)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Passed || res.FailureReason != "scan found issues" {
		t.Fatalf("verdict mismatch: %+v", res)
	}

	p.Args = []string{"-c", `echo not-json; exit 1`}
	_, err = p.Run(context.Background(), workspace)
	wantKind(t, err, genome.KindOperation)
}
