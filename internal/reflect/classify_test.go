package reflect

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pagegrab/backend/internal/core"
)

func TestClassifyError(t *testing.T) {
	cases := map[string]core.IncidentType{
		"navigation timeout of 30000ms exceeded": core.IncidentTimeout,
		"net::ERR_CONNECTION_REFUSED":            core.IncidentNetwork,
		"network unreachable":                    core.IncidentNetwork,
		"page not found":                         core.IncidentNotFound,
		"server returned 404":                    core.IncidentNotFound,
		"403 Forbidden":                          core.IncidentForbidden,
		"captcha challenge presented":            core.IncidentCaptcha,
		"request blocked by upstream":            core.IncidentBlocked,
		"invalid response body":                  core.IncidentInvalid,
		"javascript evaluation failed":           core.IncidentJavascript,
		"selector .price matched nothing":        core.IncidentSelectorMiss,
		"something else entirely":                core.IncidentGeneric,
		"":                                       core.IncidentGeneric,
	}
	for message, want := range cases {
		assert.Equal(t, want, ClassifyError(message), "message %q", message)
	}
}

func TestClassifyOrderIsFirstMatchWins(t *testing.T) {
	// Both "timeout" and "selector" appear; timeout ranks earlier.
	assert.Equal(t, core.IncidentTimeout, ClassifyError("selector wait timeout"))
	// "connection" beats "blocked" by rule order.
	assert.Equal(t, core.IncidentNetwork, ClassifyError("connection blocked by peer"))
}
