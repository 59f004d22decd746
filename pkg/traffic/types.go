package traffic

import (
	"net/http"
	"strings"

	"cdpplug/pkg/model"
)

// Header 大小写不敏感的头部集合（键统一小写）
type Header map[string]string

// Get 获取指定 Header 的值
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Set 设置指定 Header 的值
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Clone 复制头部集合
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Request 被拦截请求的中立视图
type Request struct {
	ID           string
	URL          string
	Method       string
	Headers      Header
	Body         []byte
	ResourceType model.ResourceType
}

// Response 由插件直接返回给页面的响应
type Response struct {
	StatusCode  int
	Headers     Header
	ContentType string
	Body        []byte
}

// Overrides 放行请求时可选的改写参数
type Overrides struct {
	URL      *string
	Method   *string
	Headers  Header
	PostData []byte
}

// NewRequest 创建初始化请求对象
func NewRequest() *Request {
	return &Request{Headers: make(Header)}
}

// NewResponse 创建初始化响应对象
func NewResponse() *Response {
	return &Response{
		StatusCode: http.StatusOK,
		Headers:    make(Header),
	}
}

// AllHeaders 合并 ContentType 后的完整响应头
func (r *Response) AllHeaders() Header {
	h := r.Headers.Clone()
	if h == nil {
		h = make(Header)
	}
	if r.ContentType != "" {
		h.Set("content-type", r.ContentType)
	}
	return h
}
