package dispatch

import (
	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

// matches decides whether a runner is eligible for a run. A runner-declared
// agent dispatches only to its owning runner; a file-backed agent dispatches
// to any runner whose capabilities satisfy the demands.
func matches(run *v1.Run, agent *v1.Agent, session *v1.Session, runner *v1.Runner) bool {
	if agent.RunnerID != "" && agent.RunnerID != runner.ID {
		return false
	}

	demands := effectiveDemands(agent, session)
	if demands.Hostname != "" && demands.Hostname != runner.Hostname {
		return false
	}
	if demands.ProjectDir != "" && demands.ProjectDir != runner.ProjectDir {
		return false
	}
	if demands.ExecutorProfile != "" && demands.ExecutorProfile != runner.ExecutorProfile {
		return false
	}
	if !subset(demands.Tags, runner.Tags) {
		return false
	}
	if runner.RequireMatchingTags && !intersects(demands.Tags, runner.Tags) {
		return false
	}
	return true
}

// effectiveDemands merges the blueprint's demands with the session's
// placement hints. A hint set at run creation narrows the blueprint demand.
func effectiveDemands(agent *v1.Agent, session *v1.Session) v1.Demands {
	demands := v1.Demands{}
	if agent.Demands != nil {
		demands = *agent.Demands
	}
	if session != nil {
		if session.Hostname != "" {
			demands.Hostname = session.Hostname
		}
		if session.ProjectDir != "" {
			demands.ProjectDir = session.ProjectDir
		}
	}
	return demands
}

// subset reports whether every required tag is present in available.
func subset(required, available []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(available))
	for _, tag := range available {
		set[tag] = struct{}{}
	}
	for _, tag := range required {
		if _, ok := set[tag]; !ok {
			return false
		}
	}
	return true
}

// intersects reports whether the two tag sets share at least one element.
func intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, tag := range a {
		set[tag] = struct{}{}
	}
	for _, tag := range b {
		if _, ok := set[tag]; ok {
			return true
		}
	}
	return false
}
