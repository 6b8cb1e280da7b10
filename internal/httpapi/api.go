package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/John-Robertt/policy-compiler/internal/model"
	"github.com/John-Robertt/policy-compiler/internal/profile"
)

type apiHandler struct {
	svc Service
	opt Options
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteText(w, http.StatusOK, "ok\n")
}

func handleDefaults(w http.ResponseWriter, r *http.Request) {
	b, err := profile.MarshalProfileYAML(model.NewProfile("default", nil))
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	WriteYAML(w, http.StatusOK, b)
}

func (h apiHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opt.MaxBodyBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, apiError(http.StatusRequestEntityTooLarge, model.AppError{
				Code:    "TOO_LARGE",
				Message: "请求体过大",
				Stage:   stageRequest,
				Hint:    "limit=" + strconv.FormatInt(mbe.Limit, 10),
			}, err)
		}
		return nil, requestError("INVALID_ARGUMENT", "请求体读取失败", err.Error())
	}
	return b, nil
}

func (h apiHandler) readProfile(w http.ResponseWriter, r *http.Request) (*model.Profile, error) {
	b, err := h.readBody(w, r)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(string(b)) == "" {
		return nil, requestError("INVALID_ARGUMENT", "profile 不能为空", "POST body 应为 profile YAML")
	}
	return profile.ParseProfileYAML("", string(b))
}

func decodeJSON(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return requestError("INVALID_ARGUMENT", "请求 JSON 解析失败", err.Error())
	}
	return nil
}

type compileResponse struct {
	Config   string           `json:"config"`
	Digest   string           `json:"digest"`
	Warnings []model.AppError `json:"warnings"`
}

// handleCompile returns the configuration as YAML, or wrapped in JSON with
// warnings when format=json.
func (h apiHandler) handleCompile(w http.ResponseWriter, r *http.Request) {
	p, err := h.readProfile(w, r)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.opt.RequestTimeout)
	defer cancel()

	out, err := h.svc.Compile(ctx, p)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	if r.URL.Query().Get("format") == "json" {
		WriteJSON(w, http.StatusOK, compileResponse{
			Config:   string(out.Artifact.YAML),
			Digest:   out.Artifact.Digest,
			Warnings: nonNil(out.Warnings),
		})
		return
	}
	w.Header().Set("X-Config-Digest", out.Artifact.Digest)
	w.Header().Set("X-Config-Warnings", strconv.Itoa(len(out.Warnings)))
	WriteYAML(w, http.StatusOK, out.Artifact.YAML)
}

type applyResponse struct {
	Digest    string           `json:"digest"`
	AppliedAt time.Time        `json:"appliedAt"`
	Warnings  []model.AppError `json:"warnings"`
}

func (h apiHandler) handleApply(w http.ResponseWriter, r *http.Request) {
	p, err := h.readProfile(w, r)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.opt.RequestTimeout)
	defer cancel()

	snap, err := h.svc.Apply(ctx, p)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, applyResponse{
		Digest:    snap.Artifact.Digest,
		AppliedAt: snap.AppliedAt,
		Warnings:  nonNil(snap.Warnings),
	})
}

func (h apiHandler) handleRulesets(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.svc.Rulesets())
}

type refreshRequest struct {
	Locators []string `json:"locators"`
}

func (h apiHandler) handleRefreshRulesets(w http.ResponseWriter, r *http.Request) {
	b, err := h.readBody(w, r)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	var req refreshRequest
	if len(bytes.TrimSpace(b)) > 0 {
		if err := decodeJSON(b, &req); err != nil {
			writeErrorFromErr(w, err)
			return
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.opt.RequestTimeout)
	defer cancel()
	if err := h.svc.RefreshRulesets(ctx, req.Locators...); err != nil {
		writeErrorFromErr(w, apiError(http.StatusGatewayTimeout, model.AppError{
			Code:    "RULESET_REFRESH_TIMEOUT",
			Message: "ruleset 刷新未在超时前完成，结果将在后台继续发布",
			Stage:   model.StageFetch,
		}, err))
		return
	}
	WriteJSON(w, http.StatusOK, h.svc.Rulesets())
}

func (h apiHandler) handleGroups(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.svc.Groups())
}

type selectRequest struct {
	Member string `json:"member"`
}

func (h apiHandler) handleSetSelected(w http.ResponseWriter, r *http.Request) {
	b, err := h.readBody(w, r)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	var req selectRequest
	if err := decodeJSON(b, &req); err != nil {
		writeErrorFromErr(w, err)
		return
	}
	if strings.TrimSpace(req.Member) == "" {
		writeErrorFromErr(w, requestError("INVALID_ARGUMENT", "member 不能为空", `{"member": "<member id>"}`))
		return
	}
	if err := h.svc.SetSelected(r.PathValue("id"), req.Member); err != nil {
		writeErrorFromErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type matchRequest struct {
	Network     string `json:"network"`
	Host        string `json:"host"`
	SrcIP       string `json:"srcIp"`
	DstIP       string `json:"dstIp"`
	SrcPort     uint16 `json:"srcPort"`
	DstPort     uint16 `json:"dstPort"`
	ProcessName string `json:"processName"`
	ProcessPath string `json:"processPath"`
}

func (req matchRequest) metadata() (model.Metadata, error) {
	md := model.Metadata{
		Network:     strings.ToLower(strings.TrimSpace(req.Network)),
		Host:        strings.TrimSpace(req.Host),
		SrcPort:     req.SrcPort,
		DstPort:     req.DstPort,
		ProcessName: req.ProcessName,
		ProcessPath: req.ProcessPath,
	}
	if md.Network == "" {
		md.Network = model.NetworkTCP
	}
	if md.Network != model.NetworkTCP && md.Network != model.NetworkUDP {
		return md, requestError("INVALID_ARGUMENT", "network 仅支持 tcp/udp", req.Network)
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *netip.Addr
	}{
		{"srcIp", req.SrcIP, &md.SrcIP},
		{"dstIp", req.DstIP, &md.DstIP},
	} {
		if f.raw == "" {
			continue
		}
		ip, err := netip.ParseAddr(strings.TrimSpace(f.raw))
		if err != nil {
			return md, requestError("INVALID_ARGUMENT", f.name+" 不是合法的 IP 地址", f.raw)
		}
		*f.dst = ip.Unmap()
	}
	if md.Host == "" && !md.DstIP.IsValid() {
		return md, requestError("INVALID_ARGUMENT", "host 与 dstIp 至少需要一个", "")
	}
	return md, nil
}

func (h apiHandler) handleMatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.readBody(w, r)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	var req matchRequest
	if err := decodeJSON(b, &req); err != nil {
		writeErrorFromErr(w, err)
		return
	}
	md, err := req.metadata()
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	res, err := h.svc.Match(md)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func nonNil(list []model.AppError) []model.AppError {
	if list == nil {
		return []model.AppError{}
	}
	return list
}
