// Package reflect turns execution failures into classified incidents, mutates
// site adapters through a rule engine, and derives timing/error/evasion
// signals from execution results.
package reflect

import (
	"strings"

	"github.com/pagegrab/backend/internal/core"
)

// classificationRule maps substrings in an error message to an incident type.
// Order matters: the first match wins.
type classificationRule struct {
	substrings []string
	errType    core.IncidentType
	severity   core.IncidentSeverity
}

var classificationRules = []classificationRule{
	{[]string{"timeout"}, core.IncidentTimeout, core.SeverityMedium},
	{[]string{"network", "connection"}, core.IncidentNetwork, core.SeverityMedium},
	{[]string{"not found", "404"}, core.IncidentNotFound, core.SeverityLow},
	{[]string{"forbidden", "403"}, core.IncidentForbidden, core.SeverityHigh},
	{[]string{"captcha"}, core.IncidentCaptcha, core.SeverityHigh},
	{[]string{"blocked"}, core.IncidentBlocked, core.SeverityHigh},
	{[]string{"invalid"}, core.IncidentInvalid, core.SeverityLow},
	{[]string{"javascript"}, core.IncidentJavascript, core.SeverityMedium},
	{[]string{"selector"}, core.IncidentSelectorMiss, core.SeverityMedium},
}

// ClassifyError maps a raw error message onto an incident type by
// order-sensitive substring match, falling back to generic.
func ClassifyError(message string) core.IncidentType {
	errType, _ := classify(message)
	return errType
}

func classify(message string) (core.IncidentType, core.IncidentSeverity) {
	lower := strings.ToLower(message)
	for _, rule := range classificationRules {
		for _, sub := range rule.substrings {
			if strings.Contains(lower, sub) {
				return rule.errType, rule.severity
			}
		}
	}
	return core.IncidentGeneric, core.SeverityLow
}
