// Package routing selects which of several named agent.Transports should
// handle a given turn, based on content-classification tags, configured
// rules and a local-preference fallback, with a failure cooldown so an
// unhealthy transport is skipped for a while after an error.
package routing

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
)

// Router selects a Transport for each request based on rules and heuristics.
type Router struct {
	defaultTransport string
	transports       map[string]*agent.Transport
	rules            []Rule
	preferLocal      bool
	localTransports  map[string]struct{}
	classifier       Classifier
	fallback         Target
	failureCooldown  time.Duration
	healthMu         sync.Mutex
	unhealthy        map[string]time.Time
}

// Rule defines a routing rule.
type Rule struct {
	Name   string
	Match  Match
	Target Target
}

// Match defines rule matching conditions.
type Match struct {
	Patterns []string
	Tags     []string
}

// Target names the destination transport and the model to request from it.
type Target struct {
	Transport string
	Model     string
}

// Classifier assigns tags to a request, used to match rules.
type Classifier interface {
	Classify(req agent.GenerateRequest) []string
}

// Config configures a Router.
type Config struct {
	DefaultTransport string
	PreferLocal      bool
	LocalTransports  []string
	Rules            []Rule
	Classifier       Classifier
	Fallback         Target
	FailureCooldown  time.Duration
}

// NewRouter creates a Router over the given named transports.
func NewRouter(cfg Config, transports map[string]*agent.Transport) *Router {
	lp := make(map[string]struct{})
	for _, name := range cfg.LocalTransports {
		if n := normalizeID(name); n != "" {
			lp[n] = struct{}{}
		}
	}

	classifier := cfg.Classifier
	if classifier == nil {
		classifier = &HeuristicClassifier{}
	}

	return &Router{
		defaultTransport: normalizeID(cfg.DefaultTransport),
		transports:       transports,
		rules:            cfg.Rules,
		preferLocal:      cfg.PreferLocal,
		localTransports:  lp,
		classifier:       classifier,
		fallback:         cfg.Fallback,
		failureCooldown:  cfg.FailureCooldown,
		unhealthy:        make(map[string]time.Time),
	}
}

// Select returns the ordered list of candidate transports to try for req:
// the rule/preference match first, then the configured fallback, then the
// default, each filtered to currently-healthy transports. Call
// MarkUnhealthy on a candidate's Name after it fails, so the next Select
// call skips it until the cooldown elapses. Implements agent.Router.
func (r *Router) Select(req agent.GenerateRequest) ([]agent.TransportCandidate, error) {
	if r == nil {
		return nil, errNoTransports()
	}
	transportName, model := r.pick(req)

	seen := make(map[string]struct{})
	var out []agent.TransportCandidate
	r.appendCandidate(&out, seen, transportName, model)
	r.appendCandidate(&out, seen, r.fallback.Transport, r.fallback.Model)
	r.appendCandidate(&out, seen, r.defaultTransport, "")

	if len(out) == 0 {
		return nil, errNoTransports()
	}
	return out, nil
}

// MarkUnhealthy records that name failed, so Select skips it until the
// failure cooldown elapses.
func (r *Router) MarkUnhealthy(name string) {
	if r == nil || r.failureCooldown <= 0 {
		return
	}
	name = normalizeID(name)
	if name == "" {
		return
	}
	r.healthMu.Lock()
	r.unhealthy[name] = time.Now().Add(r.failureCooldown)
	r.healthMu.Unlock()
}

func (r *Router) appendCandidate(list *[]agent.TransportCandidate, seen map[string]struct{}, name, model string) {
	normalized := normalizeID(name)
	if normalized == "" {
		return
	}
	if _, ok := seen[normalized]; ok {
		return
	}
	if !r.isHealthy(normalized) {
		return
	}
	transport, ok := r.transports[normalized]
	if !ok || transport == nil {
		return
	}
	seen[normalized] = struct{}{}
	*list = append(*list, agent.TransportCandidate{Name: normalized, Transport: transport, Model: model})
}

func (r *Router) isHealthy(name string) bool {
	if r.failureCooldown <= 0 {
		return true
	}
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	until, ok := r.unhealthy[name]
	if !ok {
		return true
	}
	if time.Now().After(until) {
		delete(r.unhealthy, name)
		return true
	}
	return false
}

func (r *Router) pick(req agent.GenerateRequest) (string, string) {
	tags := r.classifier.Classify(req)

	for _, rule := range r.rules {
		if ruleMatches(rule.Match, tags, req) {
			return normalizeID(rule.Target.Transport), rule.Target.Model
		}
	}

	if r.preferLocal && len(r.localTransports) > 0 && len(req.Tools) == 0 {
		for name := range r.localTransports {
			if _, ok := r.transports[name]; ok {
				return name, ""
			}
		}
	}

	return r.defaultTransport, ""
}

func ruleMatches(match Match, tags []string, req agent.GenerateRequest) bool {
	if len(match.Patterns) == 0 && len(match.Tags) == 0 {
		return false
	}
	contentLower := strings.ToLower(lastUserText(req))

	if len(match.Patterns) > 0 {
		matched := false
		for _, pattern := range match.Patterns {
			p := strings.ToLower(strings.TrimSpace(pattern))
			if p != "" && strings.Contains(contentLower, p) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(match.Tags) > 0 {
		for _, tag := range match.Tags {
			if containsTag(tags, tag) {
				return true
			}
		}
		return false
	}

	return true
}

func containsTag(tags []string, tag string) bool {
	needle := strings.ToLower(strings.TrimSpace(tag))
	if needle == "" {
		return false
	}
	for _, t := range tags {
		if strings.EqualFold(t, needle) {
			return true
		}
	}
	return false
}

func lastUserText(req agent.GenerateRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		msg := req.Messages[i]
		if msg.Role != agent.RoleUser {
			continue
		}
		for _, b := range msg.Content {
			if b.Type == agent.BlockText {
				return b.Text
			}
		}
	}
	return ""
}

func normalizeID(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func errNoTransports() error {
	return fmt.Errorf("routing: no transports configured")
}
