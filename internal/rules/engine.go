// Package rules 请求匹配条件引擎。
package rules

import (
	"fmt"
	"regexp"
	"strings"

	"cdpplug/pkg/model"
	"cdpplug/pkg/traffic"

	"github.com/gobwas/glob"
)

// Condition 单个匹配条件
type Condition struct {
	// Type url / method / header / resource
	Type string `yaml:"type" json:"type"`
	// Mode url 条件的匹配方式：prefix / regex / exact / glob（默认）
	Mode    string   `yaml:"mode" json:"mode,omitempty"`
	Pattern string   `yaml:"pattern" json:"pattern,omitempty"`
	Values  []string `yaml:"values" json:"values,omitempty"`
	Key     string   `yaml:"key" json:"key,omitempty"`
	// Op header 条件的比较方式：equals / contains / regex，空表示只要求存在
	Op    string `yaml:"op" json:"op,omitempty"`
	Value string `yaml:"value" json:"value,omitempty"`
}

// Match 条件组合，三组同时满足才算命中
type Match struct {
	AllOf  []Condition `yaml:"all_of" json:"allOf,omitempty"`
	AnyOf  []Condition `yaml:"any_of" json:"anyOf,omitempty"`
	NoneOf []Condition `yaml:"none_of" json:"noneOf,omitempty"`
}

// Rule 命名规则
type Rule struct {
	Name  string `yaml:"name" json:"name"`
	Match Match  `yaml:"match" json:"match"`
}

// Ctx 匹配上下文
type Ctx struct {
	URL          string
	Method       string
	Headers      traffic.Header
	ResourceType model.ResourceType
}

// FromRequest 从中立请求构造匹配上下文
func FromRequest(r *traffic.Request) Ctx {
	return Ctx{URL: r.URL, Method: r.Method, Headers: r.Headers, ResourceType: r.ResourceType}
}

type Engine struct {
	rules []Rule
	globs map[string]glob.Glob
	res   map[string]*regexp.Regexp
}

// New 编译规则中的 glob 与正则，任一模式非法即返回错误
func New(rules []Rule) (*Engine, error) {
	e := &Engine{
		rules: rules,
		globs: make(map[string]glob.Glob),
		res:   make(map[string]*regexp.Regexp),
	}
	for _, r := range rules {
		for _, group := range [][]Condition{r.Match.AllOf, r.Match.AnyOf, r.Match.NoneOf} {
			for _, c := range group {
				if err := e.compile(c); err != nil {
					return nil, fmt.Errorf("rule %s: %w", r.Name, err)
				}
			}
		}
	}
	return e, nil
}

// URLPatterns 把一组 URL glob 变成单条任一命中的规则
func URLPatterns(name string, patterns []string) Rule {
	r := Rule{Name: name}
	for _, p := range patterns {
		r.Match.AnyOf = append(r.Match.AnyOf, Condition{Type: "url", Pattern: p})
	}
	return r
}

func (e *Engine) compile(c Condition) error {
	switch {
	case c.Type == "url" && c.Mode == "regex":
		return e.compileRegex(c.Pattern)
	case c.Type == "url" && (c.Mode == "" || c.Mode == "glob"):
		if _, ok := e.globs[c.Pattern]; ok {
			return nil
		}
		g, err := glob.Compile(c.Pattern)
		if err != nil {
			return fmt.Errorf("compile glob %q: %w", c.Pattern, err)
		}
		e.globs[c.Pattern] = g
	case c.Type == "header" && c.Op == "regex":
		return e.compileRegex(c.Value)
	}
	return nil
}

func (e *Engine) compileRegex(pattern string) error {
	if _, ok := e.res[pattern]; ok {
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("compile regex %q: %w", pattern, err)
	}
	e.res[pattern] = re
	return nil
}

// Len 规则数量
func (e *Engine) Len() int { return len(e.rules) }

// Eval 返回第一条命中的规则
func (e *Engine) Eval(ctx Ctx) (*Rule, bool) {
	for i := range e.rules {
		if e.matchRule(ctx, e.rules[i].Match) {
			return &e.rules[i], true
		}
	}
	return nil, false
}

func (e *Engine) matchRule(ctx Ctx, m Match) bool {
	if len(m.AllOf) == 0 && len(m.AnyOf) == 0 && len(m.NoneOf) == 0 {
		return false
	}
	ok := true
	if len(m.AllOf) > 0 {
		ok = ok && e.allOf(ctx, m.AllOf)
	}
	if len(m.AnyOf) > 0 {
		ok = ok && e.anyOf(ctx, m.AnyOf)
	}
	if len(m.NoneOf) > 0 {
		ok = ok && !e.anyOf(ctx, m.NoneOf)
	}
	return ok
}

func (e *Engine) allOf(ctx Ctx, cs []Condition) bool {
	for i := range cs {
		if !e.cond(ctx, cs[i]) {
			return false
		}
	}
	return true
}

func (e *Engine) anyOf(ctx Ctx, cs []Condition) bool {
	for i := range cs {
		if e.cond(ctx, cs[i]) {
			return true
		}
	}
	return false
}

func (e *Engine) cond(ctx Ctx, c Condition) bool {
	switch c.Type {
	case "url":
		switch c.Mode {
		case "prefix":
			return strings.HasPrefix(ctx.URL, c.Pattern)
		case "regex":
			return e.res[c.Pattern].MatchString(ctx.URL)
		case "exact":
			return ctx.URL == c.Pattern
		default:
			return e.globs[c.Pattern].Match(ctx.URL)
		}
	case "method":
		for _, v := range c.Values {
			if strings.EqualFold(ctx.Method, v) {
				return true
			}
		}
		return false
	case "resource":
		for _, v := range c.Values {
			if strings.EqualFold(string(ctx.ResourceType), v) {
				return true
			}
		}
		return false
	case "header":
		v, ok := ctx.Headers[strings.ToLower(c.Key)]
		if !ok {
			return false
		}
		switch c.Op {
		case "equals":
			return v == c.Value
		case "contains":
			return strings.Contains(v, c.Value)
		case "regex":
			return e.res[c.Value].MatchString(v)
		default:
			return true
		}
	default:
		return false
	}
}
