package main

import (
	"fmt"

	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

// runOutcome is the canned terminal report for a claimed run.
type runOutcome struct {
	failure string
	result  *v1.CompleteRunRequest
}

// resolveOutcome derives the canned result from the run parameters, so tests
// can script behavior per run:
//
//	mock_failure:      fail the run with the given reason
//	mock_result_data:  complete with this object as result_data
//	mock_result_text:  complete with this string as result_text
//
// Without overrides, agents that expect structured output get a minimal
// object (callers exercising output schemas should pass mock_result_data
// that conforms); text agents get an echo of their prompt.
func resolveOutcome(run *v1.Run, blueprint *v1.ResolvedBlueprint) runOutcome {
	if reason, ok := run.Parameters["mock_failure"].(string); ok && reason != "" {
		return runOutcome{failure: reason}
	}
	if data, ok := run.Parameters["mock_result_data"].(map[string]any); ok {
		return runOutcome{result: &v1.CompleteRunRequest{ResultData: data}}
	}
	if text, ok := run.Parameters["mock_result_text"].(string); ok {
		return runOutcome{result: &v1.CompleteRunRequest{ResultText: &text}}
	}

	expectsData := blueprint != nil &&
		(blueprint.Type == v1.AgentTypeProcedural || len(blueprint.OutputSchema) > 0)
	if expectsData {
		return runOutcome{result: &v1.CompleteRunRequest{
			ResultData: map[string]any{"status": "ok"},
		}}
	}

	prompt, _ := run.Parameters["prompt"].(string)
	text := fmt.Sprintf("Mock result for: %s", prompt)
	return runOutcome{result: &v1.CompleteRunRequest{ResultText: &text}}
}
