package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/QoobSweet/ex-nihilo-sub000/chain"
	"github.com/QoobSweet/ex-nihilo-sub000/config"
	"github.com/QoobSweet/ex-nihilo-sub000/types"
)

// httpModuleExecutor 通过 HTTP 调用外部模块。
// 调用地址优先取 endpoints 中的目标覆盖，否则为
// {base_url}/modules/{target}/{operation}。
// 请求体为 JSON 编码的 ModuleRequest，响应体为 ModuleResponse。
type httpModuleExecutor struct {
	cfg    config.ModulesConfig
	client *http.Client
	logger *zap.Logger
}

func newHTTPModuleExecutor(cfg config.ModulesConfig, logger *zap.Logger) *httpModuleExecutor {
	return &httpModuleExecutor{
		cfg: cfg,
		// 超时由调用方 context 控制，客户端本身不设上限
		client: &http.Client{},
		logger: logger.With(zap.String("component", "module_executor")),
	}
}

func (e *httpModuleExecutor) ExecuteModule(ctx context.Context, req chain.ModuleRequest) (chain.ModuleResponse, error) {
	endpoint, err := e.resolveEndpoint(req.Target, req.Operation)
	if err != nil {
		return chain.ModuleResponse{}, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return chain.ModuleResponse{}, types.NewError(types.ErrValidation, fmt.Sprintf("encode module request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return chain.ModuleResponse{}, types.NewExternalCallError(req.Target, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return chain.ModuleResponse{}, types.NewExternalCallError(req.Target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return chain.ModuleResponse{}, types.NewExternalCallError(req.Target, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e.logger.Warn("module call failed",
			zap.String("target", req.Target),
			zap.String("operation", req.Operation),
			zap.Int("status", resp.StatusCode))
		return chain.ModuleResponse{}, types.NewExternalCallError(req.Target,
			fmt.Errorf("module returned status %d: %s", resp.StatusCode, truncate(string(data), 256)))
	}

	var moduleResp chain.ModuleResponse
	if err := json.Unmarshal(data, &moduleResp); err != nil {
		return chain.ModuleResponse{}, types.NewExternalCallError(req.Target,
			fmt.Errorf("decode module response: %w", err))
	}
	return moduleResp, nil
}

// resolveEndpoint 计算目标模块的调用地址
func (e *httpModuleExecutor) resolveEndpoint(target, operation string) (string, error) {
	if override, ok := e.cfg.Endpoints[target]; ok {
		return override, nil
	}
	if e.cfg.BaseURL == "" {
		return "", types.NewError(types.ErrValidation,
			fmt.Sprintf("no endpoint configured for module target %q", target))
	}
	return e.cfg.BaseURL + "/modules/" + url.PathEscape(target) + "/" + url.PathEscape(operation), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
