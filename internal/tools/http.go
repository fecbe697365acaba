/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxResponseBytes limits HTTP response bodies to prevent token waste.
const maxResponseBytes = 8 * 1024

// HTTPGetTool performs HTTP GET requests.
type HTTPGetTool struct {
	client *http.Client
}

func NewHTTPGetTool() *HTTPGetTool {
	return &HTTPGetTool{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *HTTPGetTool) Name() string { return "http.get" }

func (t *HTTPGetTool) Description() string {
	return "Perform an HTTP GET request. Returns status code and response body."
}

func (t *HTTPGetTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "URL to request",
			},
			"headers": map[string]any{
				"type":        "object",
				"description": "Additional headers",
			},
		},
		"required": []string{"url"},
	}
}

func (t *HTTPGetTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	return t.do(ctx, "GET", args, "")
}

func (t *HTTPGetTool) do(ctx context.Context, method string, args map[string]any, bodyStr string) (map[string]any, error) {
	url, _ := args["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}

	var reqBody io.Reader
	if bodyStr != "" {
		reqBody = strings.NewReader(bodyStr)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if headers, ok := args["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        truncateBody(body),
	}, nil
}

// HTTPPostTool performs HTTP POST requests.
type HTTPPostTool struct {
	get *HTTPGetTool
}

func NewHTTPPostTool() *HTTPPostTool {
	return &HTTPPostTool{get: NewHTTPGetTool()}
}

func (t *HTTPPostTool) Name() string { return "http.post" }

func (t *HTTPPostTool) Description() string {
	return "Perform an HTTP POST request. Returns status code and response body."
}

func (t *HTTPPostTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "URL to request",
			},
			"body": map[string]any{
				"type":        "string",
				"description": "Request body",
			},
			"contentType": map[string]any{
				"type":        "string",
				"description": "Content-Type header (default: application/json)",
			},
			"headers": map[string]any{
				"type":        "object",
				"description": "Additional headers",
			},
		},
		"required": []string{"url"},
	}
}

func (t *HTTPPostTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	bodyStr, _ := args["body"].(string)
	contentType, _ := args["contentType"].(string)
	if contentType == "" {
		contentType = "application/json"
	}
	headers, _ := args["headers"].(map[string]any)
	if headers == nil {
		headers = map[string]any{}
	}
	headers["Content-Type"] = contentType
	args["headers"] = headers

	return t.get.do(ctx, "POST", args, bodyStr)
}

func truncateBody(body []byte) string {
	s := string(body)
	if len(body) >= maxResponseBytes {
		s = s[:maxResponseBytes-100] + "\n\n... [truncated at 8KB]"
	}
	return s
}
