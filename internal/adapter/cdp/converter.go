package cdp

import (
	"encoding/json"
	"strings"

	"cdpplug/pkg/host"
	"cdpplug/pkg/model"
	"cdpplug/pkg/traffic"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
)

// ToNeutralRequest 将 CDP 事件转换为中立 Request 模型
func ToNeutralRequest(ev *fetch.RequestPausedReply) *traffic.Request {
	req := traffic.NewRequest()
	req.ID = string(ev.RequestID)
	req.URL = ev.Request.URL
	req.Method = ev.Request.Method
	req.ResourceType = ToResourceType(string(ev.ResourceType))

	// 处理 Header
	var headers map[string]string
	if len(ev.Request.Headers) > 0 {
		if err := json.Unmarshal(ev.Request.Headers, &headers); err == nil {
			for k, v := range headers {
				req.Headers.Set(k, v)
			}
		}
	}

	if ev.Request.PostData != nil {
		req.Body = []byte(*ev.Request.PostData)
	}
	return req
}

// ToResourceType CDP 资源类型（如 "Image"、"XHR"）转换为页面侧的小写形式
func ToResourceType(s string) model.ResourceType {
	if s == "" {
		return model.ResourceOther
	}
	return model.ResourceType(strings.ToLower(s))
}

// ToHeaderEntries 将中立 Header 转换为 CDP Header 条目
func ToHeaderEntries(h traffic.Header) []fetch.HeaderEntry {
	entries := make([]fetch.HeaderEntry, 0, len(h))
	for k, v := range h {
		entries = append(entries, fetch.HeaderEntry{Name: k, Value: v})
	}
	return entries
}

// ToFulfillArgs 构建 FulfillRequest 参数
func ToFulfillArgs(id fetch.RequestID, res *traffic.Response) *fetch.FulfillRequestArgs {
	if res == nil {
		res = traffic.NewResponse()
	}
	code := res.StatusCode
	if code == 0 {
		code = 200
	}
	args := &fetch.FulfillRequestArgs{RequestID: id, ResponseCode: code}
	if h := res.AllHeaders(); len(h) > 0 {
		args.ResponseHeaders = ToHeaderEntries(h)
	}
	if len(res.Body) > 0 {
		args.Body = res.Body
	}
	return args
}

// ToContinueArgs 构建 ContinueRequest 参数，ov 为空时原样放行
func ToContinueArgs(id fetch.RequestID, ov *traffic.Overrides) *fetch.ContinueRequestArgs {
	args := &fetch.ContinueRequestArgs{RequestID: id}
	if ov == nil {
		return args
	}
	args.URL = ov.URL
	args.Method = ov.Method
	if len(ov.Headers) > 0 {
		args.Headers = ToHeaderEntries(ov.Headers)
	}
	if len(ov.PostData) > 0 {
		args.PostData = ov.PostData
	}
	return args
}

// ToFailArgs 构建 FailRequest 参数
func ToFailArgs(id fetch.RequestID, reason host.ErrorReason) *fetch.FailRequestArgs {
	if reason == "" {
		reason = host.ReasonFailed
	}
	return &fetch.FailRequestArgs{RequestID: id, ErrorReason: network.ErrorReason(reason)}
}
