package strategy

import (
	"fmt"
	"strings"

	"github.com/Knetic/govaluate"
	"go.uber.org/zap"

	"github.com/bahalabs/offgate/pkg/reqctx"
)

// Strategy is the retrieval policy applied to a classified request.
type Strategy uint8

const (
	CacheFirst Strategy = iota
	NetworkFirst
)

func (s Strategy) String() string {
	switch s {
	case CacheFirst:
		return "cache_first"
	case NetworkFirst:
		return "network_first"
	default:
		return "invalid"
	}
}

// ParseStrategy parses a strategy name from config.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "cache_first":
		return CacheFirst, nil
	case "network_first":
		return NetworkFirst, nil
	default:
		return 0, fmt.Errorf("unknown strategy %q", s)
	}
}

// RuleConfig is one custom classification rule. If is a boolean
// expression over the request attributes "api", "static_asset" and
// "navigation".
type RuleConfig struct {
	If       string `yaml:"if"`
	Strategy string `yaml:"strategy"`
}

type ClassifierOpts struct {
	// APIPrefixes are path prefixes of dynamic/API resources.
	APIPrefixes []string

	// StaticPrefixes are path prefixes of immutable build assets.
	StaticPrefixes []string

	// Rules are evaluated in order before the built-in order; the first
	// matching rule wins.
	Rules []RuleConfig

	// Logger is the *zap.Logger for this Classifier.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

type rule struct {
	expr     *govaluate.EvaluableExpression
	strategy Strategy
}

// Classifier decides the retrieval strategy for an intercepted request.
type Classifier struct {
	opts  ClassifierOpts
	rules []rule
}

func NewClassifier(opts ClassifierOpts) (*Classifier, error) {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	c := &Classifier{opts: opts}

	for i, rc := range opts.Rules {
		expr, err := govaluate.NewEvaluableExpression(rc.If)
		if err != nil {
			return nil, fmt.Errorf("invalid rule #%d expression: %w", i, err)
		}
		for _, v := range expr.Vars() {
			switch v {
			case "api", "static_asset", "navigation":
			default:
				return nil, fmt.Errorf("rule #%d references unknown attribute %q", i, v)
			}
		}

		// params type check
		expr.ChecksTypes = true
		params := govaluate.MapParameters{"api": true, "static_asset": true, "navigation": true}
		if out, err := expr.Eval(params); err != nil {
			return nil, fmt.Errorf("invalid rule #%d expression, %w", i, err)
		} else if _, ok := out.(bool); !ok {
			return nil, fmt.Errorf("rule #%d expression is not boolean", i)
		}

		s, err := ParseStrategy(rc.Strategy)
		if err != nil {
			return nil, fmt.Errorf("invalid rule #%d: %w", i, err)
		}
		c.rules = append(c.rules, rule{expr: expr, strategy: s})
	}
	return c, nil
}

func matchPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Classify resolves the strategy for one request. Evaluation order,
// first match wins: custom rules, dynamic/API path, static-asset path,
// navigation, then the cache-first default.
func (c *Classifier) Classify(rctx *reqctx.Context) Strategy {
	path := rctx.URL().Path
	api := matchPrefix(path, c.opts.APIPrefixes)
	static := matchPrefix(path, c.opts.StaticPrefixes)

	if len(c.rules) > 0 {
		params := govaluate.MapParameters{
			"api":          api,
			"static_asset": static,
			"navigation":   rctx.Navigation(),
		}
		for i := range c.rules {
			out, err := c.rules[i].expr.Eval(params)
			if err != nil {
				c.opts.Logger.Warn("rule eval failed", rctx.InfoField(), zap.Error(err))
				continue
			}
			if ok, _ := out.(bool); ok {
				return c.rules[i].strategy
			}
		}
	}

	switch {
	case api:
		return NetworkFirst
	case static:
		return CacheFirst
	case rctx.Navigation():
		return NetworkFirst
	default:
		return CacheFirst
	}
}
