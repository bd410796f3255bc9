package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPErrorAdapter_StatusCodeFor(t *testing.T) {
	a := NewHTTPErrorAdapter(nil)
	cases := map[string]struct {
		err  error
		want int
	}{
		"nil":          {nil, http.StatusOK},
		"validation":   {ValidationError("missing pom").Build(), http.StatusBadRequest},
		"externalTool": {ExternalToolError("mvn").Build(), http.StatusUnprocessableEntity},
		"timeout":      {TimeoutError("slow").Build(), http.StatusGatewayTimeout},
		"spawn":        {SpawnError("no mvn").Build(), http.StatusServiceUnavailable},
		"precondition": {PreconditionError("no pom").Build(), http.StatusConflict},
		"plain":        {errors.New("x"), http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := a.StatusCodeFor(tc.err); got != tc.want {
				t.Fatalf("StatusCodeFor = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestHTTPErrorAdapter_WriteErrorResponseOmitsOutput(t *testing.T) {
	a := NewHTTPErrorAdapter(nil)
	err := ExternalToolError("manifest generation failed").
		WithContext(ContextExitCode, 2).
		WithContext(ContextOutput, "very long maven log").
		Build()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/manifest", nil)
	a.WriteErrorResponse(rec, req, err)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rec.Code)
	}
	var body HTTPErrorResponse
	if jerr := json.Unmarshal(rec.Body.Bytes(), &body); jerr != nil {
		t.Fatalf("decode: %v", jerr)
	}
	if body.Code != string(CategoryExternalTool) {
		t.Errorf("code = %q", body.Code)
	}
	if _, ok := body.Details[ContextOutput]; ok {
		t.Error("tool output must not be part of the payload")
	}
	if body.Details[ContextExitCode] != float64(2) {
		t.Errorf("exit_code detail = %v", body.Details[ContextExitCode])
	}
}
