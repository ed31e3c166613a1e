package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shaiso/agentrun/internal/telemetry"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPExecutor — executor для шага типа "http" (вызов инструмента по HTTP).
//
// Input:
//   - method (string): HTTP-метод. Default: GET
//   - url (string): URL для запроса (обязательно)
//   - headers (map[string]any): HTTP-заголовки
//   - body (any): тело запроса (сериализуется в JSON)
//   - timeout_sec (number): таймаут запроса в секундах. Default: 30
//
// Output:
//   - status_code (int): HTTP-код ответа
//   - headers (map[string]string): заголовки ответа
//   - body (any): тело ответа (JSON или строка)
//
// Сетевые ошибки, 408, 429 и 5xx — временные. Остальные 4xx и
// некорректный input — постоянные.
type HTTPExecutor struct {
	client *http.Client
}

// NewHTTPExecutor создаёт executor. timeout <= 0 — 30 секунд.
func NewHTTPExecutor(timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPExecutor{client: &http.Client{Timeout: timeout}}
}

// Kind реализует Executor.
func (e *HTTPExecutor) Kind() string { return "http" }

// Execute выполняет HTTP-запрос.
func (e *HTTPExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	method := strings.ToUpper(getString(req.Input, "method", http.MethodGet))
	url := getString(req.Input, "url", "")
	if url == "" {
		return nil, Permanentf("%w: url is required", ErrInvalidInput)
	}

	if timeout := getDuration(req.Input, "timeout_sec", time.Second); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Подготавливаем body
	var bodyReader io.Reader
	if body, ok := req.Input["body"]; ok && body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, Permanentf("%w: marshal body: %v", ErrInvalidInput, err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, Permanentf("%w: create request: %v", ErrInvalidInput, err)
	}

	setHeaders(httpReq, req.Input)
	if bodyReader != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.httpClient().Do(httpReq)
	if err != nil {
		return nil, Transientf("%w: %v", ErrHTTPRequest, err)
	}
	defer resp.Body.Close()

	telemetry.FromContext(ctx).Debug("http step response",
		"method", method,
		"url", url,
		"status", resp.StatusCode,
	)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transientf("%w: read response: %v", ErrHTTPRequest, err)
	}

	if resp.StatusCode >= 400 {
		msg := fmt.Errorf("%w: HTTP %d: %s", ErrHTTPRequest, resp.StatusCode, truncate(string(respBody), 200))
		if retryableStatus(resp.StatusCode) {
			return nil, Transient(msg)
		}
		return nil, Permanent(msg)
	}

	return &Result{Output: buildOutputs(resp, respBody)}, nil
}

func (e *HTTPExecutor) httpClient() *http.Client {
	if e.client == nil {
		return &http.Client{Timeout: defaultHTTPTimeout}
	}
	return e.client
}

// retryableStatus — коды, при которых запрос имеет смысл повторить.
func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// buildOutputs формирует output из HTTP-ответа.
func buildOutputs(resp *http.Response, body []byte) map[string]any {
	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	// Пробуем JSON, иначе строка
	var parsedBody any
	if err := json.Unmarshal(body, &parsedBody); err != nil {
		parsedBody = string(body)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        parsedBody,
	}
}

// setHeaders устанавливает заголовки из input.
func setHeaders(req *http.Request, input map[string]any) {
	headers, ok := input["headers"]
	if !ok || headers == nil {
		return
	}

	switch h := headers.(type) {
	case map[string]any:
		for key, val := range h {
			if s, ok := val.(string); ok {
				req.Header.Set(key, s)
			}
		}
	case map[string]string:
		for key, val := range h {
			req.Header.Set(key, val)
		}
	}
}
