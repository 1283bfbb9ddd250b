package registry

import (
	"context"
	"fmt"

	"icdev/pkg/genome"
)

// DefaultRulesEngine returns the rules engine enforced at commit time by
// every persistence backend. Rules are defense in depth on top of the
// services' own checks: a blocking violation aborts the transaction.
func DefaultRulesEngine() *genome.RulesEngine {
	engine := genome.NewRulesEngine()
	engine.Register(singleActiveVersionRule{})
	engine.Register(versionLineageRule{})
	engine.Register(classificationCeilingRule{})
	return engine
}

// singleActiveVersionRule blocks any commit that would leave zero or
// multiple genome versions marked active while versions exist.
type singleActiveVersionRule struct{}

func (singleActiveVersionRule) Name() string { return "single_active_genome_version" }

func (singleActiveVersionRule) Evaluate(_ context.Context, view genome.RuleView, _ []genome.Change) (genome.Result, error) {
	var result genome.Result
	versions := view.ListGenomeVersions()
	if len(versions) == 0 {
		return result, nil
	}
	var active []string
	for _, v := range versions {
		if v.Active {
			active = append(active, v.ID)
		}
	}
	if len(active) != 1 {
		result.Violations = append(result.Violations, genome.Violation{
			Rule:     "single_active_genome_version",
			Severity: genome.SeverityBlock,
			Message:  fmt.Sprintf("expected exactly one active genome version, found %d", len(active)),
			Entity:   genome.EntityGenomeVersion,
		})
	}
	return result, nil
}

// versionLineageRule warns when a version's parent reference does not match
// any stored version. Dangling lineage is suspicious but not fatal: imports
// from an external registry may carry unknown parents.
type versionLineageRule struct{}

func (versionLineageRule) Name() string { return "genome_version_lineage" }

func (versionLineageRule) Evaluate(_ context.Context, view genome.RuleView, _ []genome.Change) (genome.Result, error) {
	var result genome.Result
	versions := view.ListGenomeVersions()
	known := make(map[string]struct{}, len(versions))
	for _, v := range versions {
		known[v.Version] = struct{}{}
	}
	for _, v := range versions {
		if v.ParentVersion == nil {
			continue
		}
		if _, ok := known[*v.ParentVersion]; !ok {
			result.Violations = append(result.Violations, genome.Violation{
				Rule:     "genome_version_lineage",
				Severity: genome.SeverityWarn,
				Message:  fmt.Sprintf("version %s references unknown parent %s", v.Version, *v.ParentVersion),
				Entity:   genome.EntityGenomeVersion,
				EntityID: v.ID,
			})
		}
	}
	return result, nil
}

// classificationCeilingRule blocks commits that persist a propagation record
// targeting a child above the capability's declared sensitivity.
type classificationCeilingRule struct{}

func (classificationCeilingRule) Name() string { return "classification_ceiling" }

func (classificationCeilingRule) Evaluate(_ context.Context, view genome.RuleView, changes []genome.Change) (genome.Result, error) {
	var result genome.Result
	for _, change := range changes {
		if change.Entity != genome.EntityPropagation {
			continue
		}
		record, ok := change.After.(genome.PropagationRecord)
		if !ok {
			continue
		}
		candidate, ok := view.FindCandidate(record.CandidateID)
		if !ok {
			continue
		}
		for _, childID := range record.TargetChildren {
			child, ok := view.FindChild(childID)
			if !ok {
				continue
			}
			if child.IsolationLevel > candidate.Sensitivity {
				result.Violations = append(result.Violations, genome.Violation{
					Rule:     "classification_ceiling",
					Severity: genome.SeverityBlock,
					Message:  fmt.Sprintf("child %s isolation level %d exceeds capability sensitivity %d", childID, child.IsolationLevel, candidate.Sensitivity),
					Entity:   genome.EntityPropagation,
					EntityID: record.ID,
				})
			}
		}
	}
	return result, nil
}
