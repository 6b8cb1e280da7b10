package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/John-Robertt/policy-compiler/internal/emit"
	"github.com/John-Robertt/policy-compiler/internal/model"
)

const stageKernel = "kernel_load"

// Kernel loads a published configuration into the running proxy kernel.
type Kernel interface {
	Load(ctx context.Context, a *emit.Artifact) error
}

type KernelError struct {
	AppError model.AppError
	Cause    error
}

func (e *KernelError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *KernelError) Unwrap() error { return e.Cause }

// ControllerKernel reloads the kernel through its external controller
// (PUT /configs?force=true). With Path set the kernel is told to read the
// file the publisher wrote; otherwise the YAML is sent inline. Failures are
// reported, never retried.
type ControllerKernel struct {
	BaseURL string
	Secret  string
	Path    string
	Client  *http.Client
}

func (k *ControllerKernel) Load(ctx context.Context, a *emit.Artifact) error {
	fail := func(msg string, cause error) error {
		return &KernelError{
			AppError: model.AppError{Code: "KERNEL_LOAD_FAILED", Message: msg, Stage: stageKernel, URL: k.BaseURL},
			Cause:    cause,
		}
	}

	body := map[string]string{}
	if k.Path != "" {
		body["path"] = k.Path
	} else {
		body["payload"] = string(a.YAML)
	}
	b, err := json.Marshal(body)
	if err != nil {
		return fail("内核请求编码失败", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, strings.TrimRight(k.BaseURL, "/")+"/configs?force=true", bytes.NewReader(b))
	if err != nil {
		return fail("内核控制器地址无效", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if k.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+k.Secret)
	}

	client := k.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fail("无法连接内核控制器", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var msg struct {
		Message string `json:"message"`
	}
	detail := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &msg) == nil && msg.Message != "" {
		detail = msg.Message
	}
	e := fail(fmt.Sprintf("内核拒绝加载配置（HTTP %d）", resp.StatusCode), nil).(*KernelError)
	e.AppError.Hint = model.TruncateSnippet(detail)
	return e
}
