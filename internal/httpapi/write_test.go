package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/John-Robertt/policy-compiler/internal/model"
)

func TestWriteError_FetchShape(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, http.StatusBadGateway, model.AppError{
		Code:    "FETCH_FAILED",
		Message: "ruleset 拉取失败",
		Stage:   model.StageFetch,
		URL:     "https://example.com/cn.mrs",
		Hint:    "upstream status 503",
	})

	if got, want := rr.Code, http.StatusBadGateway; got != want {
		t.Fatalf("status=%d, want=%d", got, want)
	}
	if got, want := rr.Header().Get("Content-Type"), "application/json; charset=utf-8"; got != want {
		t.Fatalf("Content-Type=%q, want=%q", got, want)
	}

	var raw map[string]map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &raw); err != nil {
		t.Fatalf("unmarshal response: %v\nbody=%q", err, rr.Body.String())
	}
	e := raw["error"]
	if e["stage"] != model.StageFetch || e["url"] != "https://example.com/cn.mrs" {
		t.Fatalf("error=%v", e)
	}
	// unset optional fields stay out of the payload.
	for _, k := range []string{"index", "line", "path", "snippet"} {
		if _, ok := e[k]; ok {
			t.Fatalf("error has %q, want omitted: %v", k, e)
		}
	}
}

func TestWriteDiagnostics_RuleIndex(t *testing.T) {
	rr := httptest.NewRecorder()
	errs := []model.AppError{
		model.AppError{Code: "REFERENCE_NOT_FOUND", Message: "规则引用的策略组不存在：ghost", Stage: model.StageValidate}.At(0),
		model.AppError{Code: "RULE_UNREACHABLE", Message: "unreachable", Stage: model.StageCompile}.At(3),
	}
	warnings := []model.AppError{{Code: "SUBSCRIPTION_MISSING", Message: "missing", Stage: model.StageValidate, Path: "proxy-groups[hk].use[1]"}}
	WriteDiagnostics(rr, http.StatusUnprocessableEntity, errs, warnings)

	if got, want := rr.Code, http.StatusUnprocessableEntity; got != want {
		t.Fatalf("status=%d, want=%d", got, want)
	}
	var resp model.DiagnosticsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nbody=%q", err, rr.Body.String())
	}
	if len(resp.Errors) != 2 || len(resp.Warnings) != 1 {
		t.Fatalf("errors=%d warnings=%d, want=2,1", len(resp.Errors), len(resp.Warnings))
	}
	if resp.Errors[0].Index == nil || *resp.Errors[0].Index != 0 {
		t.Fatalf("errors[0].index=%v, want=0", resp.Errors[0].Index)
	}
	if resp.Errors[1].Index == nil || *resp.Errors[1].Index != 3 {
		t.Fatalf("errors[1].index=%v, want=3", resp.Errors[1].Index)
	}
	if got, want := resp.Warnings[0].Path, "proxy-groups[hk].use[1]"; got != want {
		t.Fatalf("warnings[0].path=%q, want=%q", got, want)
	}
}
