package proxy

import (
	"github.com/codefionn/schleuse/schleuse-srv/config"
	"github.com/codefionn/schleuse/schleuse-srv/httpparse"
	"github.com/codefionn/schleuse/schleuse-srv/logger"
)

// AccessControlPlugin rejects targets matched by the blocklist or missed by
// the allowlist with 403 Forbidden before authentication.
type AccessControlPlugin struct {
	BasePlugin
	allowlist Classifier
	blocklist Classifier
}

// NewAccessControlPlugin compiles the lists of cfg. It returns nil when
// neither list is configured.
func NewAccessControlPlugin(cfg *config.Config, set *ClassifierSet) (*AccessControlPlugin, error) {
	allow, err := set.Compile(cfg.Allowlist)
	if err != nil {
		return nil, NewProxyError(ErrCodeClassifierError, "compile allowlist", err)
	}
	block, err := set.Compile(cfg.Blocklist)
	if err != nil {
		return nil, NewProxyError(ErrCodeClassifierError, "compile blocklist", err)
	}
	if allow == nil && block == nil {
		return nil, nil
	}
	return &AccessControlPlugin{allowlist: allow, blocklist: block}, nil
}

func (p *AccessControlPlugin) Name() string {
	return "access-control"
}

func (p *AccessControlPlugin) BeforeAuth(fc *Flow, req *httpparse.Message) (HookResult, error) {
	authority, _, err := req.Authority()
	if err != nil {
		// Unroutable requests are rejected by the handler.
		return HookResult{}, nil
	}
	if code := p.check(NewClassifierInput(authority)); code != "" {
		logger.Info("Blocked %s %s from %s (%s)", req.Method, authority, fc.ClientIP(), code)
		return HookResult{Response: ForbiddenResponse(code)}, nil
	}
	return HookResult{}, nil
}

// check returns the error code of a rejected target, "" when allowed.
// Classifier errors reject.
func (p *AccessControlPlugin) check(input ClassifierInput) string {
	if p.blocklist != nil {
		blocked, err := p.blocklist.Classify(input)
		if err != nil {
			logger.Error("Blocklist classification error: %v", err)
			return ErrCodeClassifierError
		}
		if blocked {
			return ErrCodeBlocklistMatch
		}
	}
	if p.allowlist != nil {
		allowed, err := p.allowlist.Classify(input)
		if err != nil {
			logger.Error("Allowlist classification error: %v", err)
			return ErrCodeClassifierError
		}
		if !allowed {
			return ErrCodeAllowlistMismatch
		}
	}
	return ""
}
